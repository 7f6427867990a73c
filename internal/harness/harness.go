// Package harness rewrites submitted source so that running it emits
// signed, machine-parseable test and timing lines alongside the program's
// own output.
package harness

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/codelab-lv/sandbox/api"
	"github.com/google/uuid"
)

type Input struct {
	Code      string
	ClassName string

	// Offsets into Code of the start and end of the entrypoint method body.
	MainStart int
	MainEnd   int

	SigningKey string
	Tests      []api.TestCase
	WithTiming bool
}

type Output struct {
	Code string

	MainStart int
	MainEnd   int
}

var placeholderRe = regexp.MustCompile(`\{tc_(\d+)_var_(\d+)\}`)

// Inject rewrites in.Code so that every test case is arranged, executed and
// asserted at the start of the entrypoint method, with results printed as
// control lines tagged with the job's signing key.
func Inject(in Input) (Output, error) {
	if in.MainStart < 0 || in.MainEnd < in.MainStart || in.MainEnd > len(in.Code) {
		return Output{}, fmt.Errorf("insertion offsets [%d, %d] out of range for source of length %d",
			in.MainStart, in.MainEnd, len(in.Code))
	}
	if in.SigningKey == "" {
		return Output{}, fmt.Errorf("signing key must not be empty")
	}

	tests := resolvePlaceholders(in.Tests)
	for i := range tests {
		tests[i] = substituteEntryClass(tests[i], in.ClassName)
	}

	code := in.Code
	suffix := freshIdent(map[string]struct{}{})

	// End-of-method insertions go first so the start offset stays valid.
	if in.WithTiming {
		code = insertAt(code, in.MainEnd, timingEndStmt(in.SigningKey, suffix))
	}

	var start strings.Builder
	if in.WithTiming {
		start.WriteString(timingStartStmt(suffix))
	}
	if len(tests) > 0 {
		start.WriteString(normalizerDecl(suffix))
	}
	for i, tc := range tests {
		block, err := testCaseBlock(tc, in.SigningKey, suffix, i)
		if err != nil {
			return Output{}, err
		}
		start.WriteString(block)
	}
	code = insertAt(code, in.MainStart, start.String())

	return Output{
		Code:      code,
		MainStart: in.MainStart,
		MainEnd:   in.MainEnd + start.Len(),
	}, nil
}

// resolvePlaceholders replaces every {tc_<i>_var_<j>} token with a generated
// identifier. Resolution is global: the same (i, j) pair maps to the same
// identifier in every test case of the batch, and no two distinct pairs share
// one.
func resolvePlaceholders(tests []api.TestCase) []api.TestCase {
	idents := map[string]string{}
	used := map[string]struct{}{}

	resolve := func(s string) string {
		return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
			if ident, ok := idents[m]; ok {
				return ident
			}
			sub := placeholderRe.FindStringSubmatch(m)
			ident := fmt.Sprintf("tc%sv%s_%s", sub[1], sub[2], freshIdent(used))
			idents[m] = ident
			return ident
		})
	}

	out := make([]api.TestCase, len(tests))
	for i, tc := range tests {
		out[i] = tc
		out[i].Setup = resolve(tc.Setup)
		out[i].Expected = resolve(tc.Expected)
		out[i].CallFunc = resolve(tc.CallFunc)
		out[i].Calls = make([]string, len(tc.Calls))
		for j, c := range tc.Calls {
			out[i].Calls[j] = resolve(c)
		}
	}
	return out
}

func substituteEntryClass(tc api.TestCase, className string) api.TestCase {
	tc.Setup = strings.ReplaceAll(tc.Setup, api.EntryClassPlaceholder, className)
	tc.CallFunc = strings.ReplaceAll(tc.CallFunc, api.EntryClassPlaceholder, className)
	for i, c := range tc.Calls {
		tc.Calls[i] = strings.ReplaceAll(c, api.EntryClassPlaceholder, className)
	}
	return tc
}

// freshIdent returns a short identifier suffix not seen before in used.
func freshIdent(used map[string]struct{}) string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, taken := used[id]; taken {
			continue
		}
		used[id] = struct{}{}
		return id
	}
}

func insertAt(s string, offset int, insert string) string {
	return s[:offset] + insert + s[offset:]
}
