package queryerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a query failure.
type Kind string

const (
	KindGenerationEmpty    Kind = "generation_empty"
	KindTransport          Kind = "transport_error"
	KindValidationRejected Kind = "validation_rejected"
	KindColumnNotFound     Kind = "column_not_found"
	KindFallbackExhausted  Kind = "fallback_exhausted"
	KindExecutionTimeout   Kind = "execution_timeout"
	KindExecution          Kind = "execution_error"
	KindResultTooLarge     Kind = "result_too_large"
)

// Error is the typed error returned across the query pipeline.
type Error struct {
	Kind        Kind
	Reason      string   // validation reason, when Kind is KindValidationRejected
	Suggestions []string // ranked column candidates, when Kind is KindColumnNotFound
	Message     string
	Err         error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Reason != "" {
		sb.WriteString("(" + e.Reason + ")")
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind so that errors.Is(err, queryerr.New(k, ""))
// works as a kind check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Rejected(reason, detail string) *Error {
	return &Error{Kind: KindValidationRejected, Reason: reason, Message: detail}
}

func ColumnNotFound(reference string, suggestions []string) *Error {
	return &Error{
		Kind:        KindColumnNotFound,
		Suggestions: suggestions,
		Message:     fmt.Sprintf("no column matches %q", reference),
	}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HasKind reports whether err carries the given kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage renders err as the apology shown to the person asking. Internal
// error text never appears in it.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Sorry, something went wrong while answering that question. Please try again."
	}
	switch e.Kind {
	case KindColumnNotFound:
		if len(e.Suggestions) > 0 {
			return fmt.Sprintf("Sorry, I couldn't find that column in the dataset. Did you mean: %s?", strings.Join(e.Suggestions, ", "))
		}
		return "Sorry, I couldn't find that column in the dataset."
	case KindFallbackExhausted:
		return "Sorry, I couldn't turn that question into a query. Try naming a column and a concrete value, for example \"how many customers have churn_probability > 0.8\"."
	case KindExecutionTimeout:
		return "Sorry, that query took too long to run. Try narrowing it down."
	case KindExecution:
		return "Sorry, that query failed to run against the dataset."
	case KindResultTooLarge:
		return "The result was too large and has been truncated."
	}
	return "Sorry, I couldn't answer that question. Please rephrase it and try again."
}
