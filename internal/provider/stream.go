package provider

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"codeagent/internal/models"
	"codeagent/internal/provider/sse"
)

// FragmentDecoder extracts the text delta carried by one stream payload.
type FragmentDecoder func(payload []byte) (string, error)

// Accumulate drains an SSE body, appending each decoded fragment to a
// cumulative buffer and reporting it through onDelta. Malformed payloads are
// logged and skipped. The context is checked between chunks; on cancellation
// the text received so far is returned together with ctx.Err().
func Accumulate(ctx context.Context, tag models.ProviderTag, body io.Reader, decode FragmentDecoder, onDelta models.DeltaFunc, logger zerolog.Logger) (string, error) {
	reader := sse.NewReader(body)
	var text strings.Builder

	for {
		if err := ctx.Err(); err != nil {
			return text.String(), err
		}

		payload, err := reader.Next()
		if err != nil {
			if errors.Is(err, sse.ErrDone) || errors.Is(err, io.EOF) {
				return text.String(), nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return text.String(), ctxErr
			}
			return text.String(), &NetworkError{Provider: tag, Err: err}
		}

		fragment, err := decode(payload)
		if err != nil {
			perr := &ParseError{Provider: tag, Data: string(payload), Err: err}
			logger.Warn().Err(perr).Msg("skipping stream fragment")
			continue
		}
		if fragment == "" {
			continue
		}

		text.WriteString(fragment)
		if onDelta != nil {
			onDelta(models.Delta{Fragment: fragment, Text: text.String()})
		}
	}
}
