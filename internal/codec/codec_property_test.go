package codec

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// TestDecodeIsChunkingInvariant checks that any encoded run decodes to the same
// frame sequence regardless of how the transport splits the bytes.
func TestDecodeIsChunkingInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decoded frames do not depend on chunk size", prop.ForAll(
		func(contents []string, chunkSize int, fail bool) bool {
			frames := []domain.Frame{domain.Manifest{Version: "1.0.2", Environment: "prop"}}
			for _, c := range contents {
				if c == "" {
					c = "\n\n"
				}
				frames = append(frames, domain.Message{Role: domain.RoleAssistant, Content: c})
			}
			if fail {
				frames = append(frames, domain.ErrorFrame{Detail: domain.NewDetail(map[string]any{"code": 5, "items": contents})})
			} else {
				frames = append(frames, domain.EndFrame{})
			}

			var buf bytes.Buffer
			for _, f := range frames {
				if err := WriteFrame(&buf, f); err != nil {
					return false
				}
			}
			encoded := buf.Bytes()

			var chunks [][]byte
			for start := 0; start < len(encoded); start += chunkSize {
				end := start + chunkSize
				if end > len(encoded) {
					end = len(encoded)
				}
				chunks = append(chunks, encoded[start:end])
			}

			got, err := decodeChunks(chunks...)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(frames, got)
		},
		gen.SliceOf(gen.AnyString()),
		gen.IntRange(1, 64),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
