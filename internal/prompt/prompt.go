// Package prompt builds the instruction text sent to a model for each kind of
// coding task.
package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names a coding task.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindImprove  Kind = "improve"
	KindExplain  Kind = "explain"
	KindDebug    Kind = "debug"
	KindTests    Kind = "tests"
	KindDocs     Kind = "docs"
)

// ErrUnknownKind is returned by Build for an unrecognised task kind.
var ErrUnknownKind = errors.New("unknown prompt kind")

var temperatures = map[Kind]float64{
	KindGenerate: 0.2,
	KindImprove:  0.3,
	KindExplain:  0.1,
	KindDebug:    0.2,
	KindTests:    0.2,
	KindDocs:     0.1,
}

const preamble = "You are a coding assistant. Please provide a solution for the following request.\n" +
	"If you're generating code, wrap it in triple backticks with the appropriate language identifier.\n" +
	"Focus on writing clean, efficient, and well-commented code.\n\n"

// Prompt is the text to send plus the sampling temperature suited to its kind.
type Prompt struct {
	Kind        Kind
	Text        string
	Temperature float64
}

// Input carries the user-supplied parts of a task. Which fields matter depends
// on the kind.
type Input struct {
	Task         string
	Code         string
	Instructions string
	Error        string
	Language     string
}

// Build dispatches to the builder for kind. An empty kind means KindGenerate;
// a generate task with a target language uses Coding.
func Build(kind Kind, in Input) (Prompt, error) {
	switch kind {
	case "", KindGenerate:
		if strings.TrimSpace(in.Language) != "" {
			return Coding(in.Task, in.Code, in.Language), nil
		}
		return Generate(in.Task, in.Code), nil
	case KindImprove:
		return Improve(in.Code, in.Instructions), nil
	case KindExplain:
		return Explain(in.Code), nil
	case KindDebug:
		return Debug(in.Code, in.Error), nil
	case KindTests:
		return Tests(in.Code), nil
	case KindDocs:
		return Docs(in.Code), nil
	default:
		return Prompt{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Generate wraps a free-form request, optionally anchored on existing code.
func Generate(request, context string) Prompt {
	text := request
	if strings.TrimSpace(context) != "" {
		text = fmt.Sprintf("I'm working on the following code:\n\n%s\n\nBased on this context, %s", context, request)
	}
	return build(KindGenerate, text)
}

func Improve(code, instructions string) Prompt {
	return withCode(KindImprove, "Improve the following code according to these instructions: "+instructions+"\n\nCode:", code)
}

func Explain(code string) Prompt {
	return withCode(KindExplain, "Explain the following code in detail, describing what it does and how it works:", code)
}

func Debug(code, errText string) Prompt {
	head := "Debug the following code and identify any issues:"
	if strings.TrimSpace(errText) != "" {
		head += "\n\nThe code is producing this error: " + errText
	}
	return withCode(KindDebug, head+"\n\nCode:", code)
}

func Tests(code string) Prompt {
	return withCode(KindTests, "Generate comprehensive unit tests for the following code:", code)
}

func Docs(code string) Prompt {
	return withCode(KindDocs, "Generate comprehensive documentation for the following code, including function descriptions, parameter details, and usage examples:", code)
}

// Coding asks for code in a specific language, with optional existing code as
// context.
func Coding(task, context, language string) Prompt {
	var b strings.Builder
	b.WriteString("You are an expert coding assistant specialized in writing clean, efficient, and well-documented code. ")
	if language != "" {
		fmt.Fprintf(&b, "I need you to write code in %s. ", language)
	}
	b.WriteString(task)
	if context != "" {
		fmt.Fprintf(&b, "\n\nHere is the context or existing code:\n```\n%s\n```", context)
	}
	b.WriteString("\n\nPlease provide the code solution wrapped in triple backticks with the appropriate language identifier.")
	return Prompt{Kind: KindGenerate, Text: b.String(), Temperature: temperatures[KindGenerate]}
}

func withCode(kind Kind, head, code string) Prompt {
	return build(kind, fmt.Sprintf("%s\n```\n%s\n```", head, code))
}

func build(kind Kind, text string) Prompt {
	return Prompt{Kind: kind, Text: preamble + text, Temperature: temperatures[kind]}
}
