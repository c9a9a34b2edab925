package providers

// Index field names shared by every search backend.
const (
	FieldReferenceID = "reference_id"
	FieldTitle       = "title"
	FieldFilename    = "filename"
	FieldContent     = "content"
)

// RecordFields lists the fields requested from the index, in order.
var RecordFields = []string{FieldReferenceID, FieldTitle, FieldFilename, FieldContent}

// RecordFromMap decodes a loosely typed search hit. A field that is absent,
// null or not a string is left nil so the caller's defaults apply.
func RecordFromMap(doc map[string]interface{}) SearchRecord {
	return SearchRecord{
		ReferenceID: optionalString(doc[FieldReferenceID]),
		Title:       optionalString(doc[FieldTitle]),
		Filename:    optionalString(doc[FieldFilename]),
		Content:     optionalString(doc[FieldContent]),
	}
}

func optionalString(v interface{}) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}
