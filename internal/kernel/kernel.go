// Package kernel describes the code execution session a chat can drive and
// folds its outputs into transcript messages. Kernel processes themselves
// live outside this repository.
package kernel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/neurosift/nschat/internal/chat"
)

// Status is the execution state reported by a session.
type Status string

const (
	StatusUninitiated Status = "uninitiated"
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusUnavailable Status = "unavailable"
)

// Output item types.
const (
	TypeStdout = "stdout"
	TypeStderr = "stderr"
	TypeImage  = "image"
	TypeFigure = "figure"
)

var (
	ErrUnavailable = errors.New("kernel: session unavailable")
	ErrInvalidItem = errors.New("kernel: invalid output item")
)

// Session is a running kernel. Outputs and Status are closed when the
// session shuts down.
type Session interface {
	RunCode(ctx context.Context, code string) error
	CancelExecution(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Outputs() <-chan OutputItem
	Status() <-chan Status
}

// OutputItem is one piece of execution output. Content is a JSON string for
// text and images (base64 PNG) and a plotly object for figures.
type OutputItem struct {
	Type    string          `json:"type"`
	Format  string          `json:"format,omitempty"`
	Content json.RawMessage `json:"content"`
}

func Stdout(text string) OutputItem { return textItem(TypeStdout, text) }

func Stderr(text string) OutputItem { return textItem(TypeStderr, text) }

// Image wraps PNG bytes.
func Image(png []byte) OutputItem {
	content, _ := json.Marshal(base64.StdEncoding.EncodeToString(png))
	return OutputItem{Type: TypeImage, Format: "png", Content: content}
}

// Figure wraps a plotly figure ({"data":...,"layout":...,"config":...}).
func Figure(plotly json.RawMessage) OutputItem {
	return OutputItem{Type: TypeFigure, Format: "plotly", Content: plotly}
}

func textItem(typ, text string) OutputItem {
	content, _ := json.Marshal(text)
	return OutputItem{Type: typ, Content: content}
}

// Text returns the text of a stdout or stderr item.
func (o OutputItem) Text() (string, error) {
	if o.Type != TypeStdout && o.Type != TypeStderr {
		return "", fmt.Errorf("%w: %s has no text", ErrInvalidItem, o.Type)
	}
	var s string
	if err := json.Unmarshal(o.Content, &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	return s, nil
}

// PNG decodes the bytes of an image item.
func (o OutputItem) PNG() ([]byte, error) {
	if o.Type != TypeImage || o.Format != "png" {
		return nil, fmt.Errorf("%w: %s/%s is not a png image", ErrInvalidItem, o.Type, o.Format)
	}
	var s string
	if err := json.Unmarshal(o.Content, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	return b, nil
}

// Validate checks that the item is one of the known variants.
func (o OutputItem) Validate() error {
	switch o.Type {
	case TypeStdout, TypeStderr:
		_, err := o.Text()
		return err
	case TypeImage:
		_, err := o.PNG()
		return err
	case TypeFigure:
		if o.Format != "plotly" || len(o.Content) == 0 || o.Content[0] != '{' {
			return fmt.Errorf("%w: figure must be a plotly object", ErrInvalidItem)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidItem, o.Type)
	}
}

// Run executes code and collects every output until the session is idle
// again. It fails with ErrUnavailable if the session reports unavailable.
func Run(ctx context.Context, s Session, code string) ([]OutputItem, error) {
	if err := s.RunCode(ctx, code); err != nil {
		return nil, err
	}

	var (
		items []OutputItem
		busy  bool
	)
	outputs, status := s.Outputs(), s.Status()
	for {
		select {
		case <-ctx.Done():
			return items, ctx.Err()
		case item, ok := <-outputs:
			if !ok {
				return items, ErrUnavailable
			}
			items = append(items, item)
		case st, ok := <-status:
			if !ok {
				return items, ErrUnavailable
			}
			switch st {
			case StatusBusy:
				busy = true
			case StatusUnavailable:
				return items, ErrUnavailable
			case StatusIdle:
				if busy {
					return drain(outputs, items), nil
				}
			}
		}
	}
}

// drain picks up outputs already queued when the idle status arrived.
func drain(outputs <-chan OutputItem, items []OutputItem) []OutputItem {
	for {
		select {
		case item, ok := <-outputs:
			if !ok {
				return items
			}
			items = append(items, item)
		default:
			return items
		}
	}
}

// ToolOutput folds execution outputs into the tool message answering
// toolCallID. Text streams are concatenated in order; images and figures are
// referenced by placeholder.
func ToolOutput(toolCallID string, items []OutputItem) chat.Message {
	var b strings.Builder
	var images, figures int
	for _, item := range items {
		switch item.Type {
		case TypeStdout, TypeStderr:
			text, err := item.Text()
			if err != nil {
				continue
			}
			b.WriteString(text)
		case TypeImage:
			images++
			fmt.Fprintf(&b, "\n<image %d>\n", images)
		case TypeFigure:
			figures++
			fmt.Fprintf(&b, "\n<figure %d>\n", figures)
		}
	}
	return chat.Message{Role: "tool", ToolCallID: toolCallID, Content: b.String()}
}
