package rag

import (
	"encoding/json"
	"fmt"
)

// Defaults substituted for fields a search record omits.
const (
	DefaultReferenceID = "unknown"
	DefaultTitle       = "Untitled"
	DefaultFilename    = "unknown.pdf"
	DefaultContent     = ""
)

// Query is one chat interaction.
type Query struct {
	Text string

	// History holds prior turns. It is accepted and carried for logging but
	// never used for retrieval or generation.
	History []string
}

// Source attributes one retrieved passage.
type Source struct {
	ReferenceID string `json:"reference_id"`
	Title       string `json:"title"`
	Filename    string `json:"filename"`
}

// Retrieval is the output of the retrieval stage.
type Retrieval struct {
	Sources []Source
	Context string
}

// FrameKind tags which field of a Frame is populated.
type FrameKind int

const (
	FrameSources FrameKind = iota + 1
	FrameToken
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameSources:
		return "sources"
	case FrameToken:
		return "token"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is one unit of the response stream. Exactly one of Sources,
// Token or Error is meaningful, selected by Kind.
type Frame struct {
	Kind    FrameKind
	Sources []Source
	Token   string
	Error   string
}

// SourcesFrame builds a sources frame. A nil list is sent as [].
func SourcesFrame(sources []Source) Frame {
	if sources == nil {
		sources = []Source{}
	}
	return Frame{Kind: FrameSources, Sources: sources}
}

// TokenFrame builds a token frame.
func TokenFrame(token string) Frame {
	return Frame{Kind: FrameToken, Token: token}
}

// ErrorFrame builds an error frame.
func ErrorFrame(msg string) Frame {
	return Frame{Kind: FrameError, Error: msg}
}

type sourcesWire struct {
	Sources []Source `json:"sources"`
}

type tokenWire struct {
	Token string `json:"token"`
}

type errorWire struct {
	Error string `json:"error"`
}

// MarshalJSON writes only the populated field.
func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Kind {
	case FrameSources:
		sources := f.Sources
		if sources == nil {
			sources = []Source{}
		}
		return json.Marshal(sourcesWire{Sources: sources})
	case FrameToken:
		return json.Marshal(tokenWire{Token: f.Token})
	case FrameError:
		return json.Marshal(errorWire{Error: f.Error})
	default:
		return nil, fmt.Errorf("rag: cannot marshal frame of kind %d", f.Kind)
	}
}

// UnmarshalJSON reads a frame written by MarshalJSON.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw["sources"] != nil:
		f.Kind = FrameSources
		return json.Unmarshal(raw["sources"], &f.Sources)
	case raw["token"] != nil:
		f.Kind = FrameToken
		return json.Unmarshal(raw["token"], &f.Token)
	case raw["error"] != nil:
		f.Kind = FrameError
		return json.Unmarshal(raw["error"], &f.Error)
	default:
		return fmt.Errorf("rag: frame has no sources, token or error field")
	}
}
