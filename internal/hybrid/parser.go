// Package hybrid implements the Hybrid Executor (C6): it parses a test
// program into numbered steps, executes each step inline, and on failure
// invokes the Agent for just that step in the same sandbox. Grounded on
// kilroy's DOT-parsing idiom (hand-written scanner tolerant of nested
// delimiters, internal/attractor/dot) and engine.go's executeWithRetry
// failure-classification-then-recover control flow.
package hybrid

import (
	"regexp"
	"strings"
)

// Step is one numbered region of a spec, delimited by header comments
// (spec §4.4).
type Step struct {
	Number      int
	Description string
	Body        string
}

// fenceRe matches a STEP header line; '=' may also be the Unicode "BOX
// DRAWINGS HORIZONTAL" character (═, U+2550). Fence runs must be >= 3
// chars (spec §6).
var fenceRe = regexp.MustCompile(`^\s*//\s*[=═]{3,}\s*$`)
var stepHeaderRe = regexp.MustCompile(`^\s*//\s*STEP\s+(\d+)\s*:\s*(.*)$`)

// ParseSteps splits programText into its numbered step blocks. If no STEP
// markers are present, the whole body is returned as a single step
// numbered 1 (spec B2).
func ParseSteps(programText string) []Step {
	body := extractTestBody(programText)
	lines := strings.Split(body, "\n")

	type marker struct {
		lineIdx     int
		number      int
		description string
	}
	var markers []marker

	for i := 0; i < len(lines); i++ {
		if !fenceRe.MatchString(lines[i]) {
			continue
		}
		// A header is: fence, "STEP n: desc", fence.
		if i+2 >= len(lines) {
			continue
		}
		m := stepHeaderRe.FindStringSubmatch(lines[i+1])
		if m == nil {
			continue
		}
		if !fenceRe.MatchString(lines[i+2]) {
			continue
		}
		num := atoiSafe(m[1])
		markers = append(markers, marker{lineIdx: i, number: num, description: strings.TrimSpace(m[2])})
		i += 2 // skip header block
	}

	if len(markers) == 0 {
		return []Step{{Number: 1, Description: "", Body: strings.TrimSpace(body)}}
	}

	var steps []Step
	for idx, mk := range markers {
		bodyStart := mk.lineIdx + 3
		bodyEnd := len(lines)
		if idx+1 < len(markers) {
			bodyEnd = markers[idx+1].lineIdx
		}
		stepBody := strings.TrimSpace(strings.Join(lines[bodyStart:bodyEnd], "\n"))
		steps = append(steps, Step{Number: mk.number, Description: mk.description, Body: stepBody})
	}
	return steps
}

// deterministicStepRe matches a step body that does nothing but navigate —
// the canonical "purely scripted" step of spec §4.5's deterministic
// short-circuit. Bodies mixing navigation with anything else still go
// through the planner.
var deterministicStepRe = regexp.MustCompile(`^(?:await\s+page\.goto\([^)]*\)\s*;?\s*)+$`)

// IsDeterministicStep reports whether body's type is purely scripted and so
// must bypass the planner entirely (spec §4.5). body should already have
// StripTypeAnnotations applied.
func IsDeterministicStep(body string) bool {
	return deterministicStepRe.MatchString(strings.TrimSpace(body))
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// bodyOpenRe locates the brace that opens the main test declaration's
// block, as opposed to an object-literal or destructuring brace that may
// appear earlier in the callback signature (e.g. `async ({ page }) => {`).
var bodyOpenRe = regexp.MustCompile(`=>\s*\{`)

// extractTestBody locates the main test declaration's body by balance
// counting braces from its opening brace, tolerating nested braces in step
// bodies (spec §4.4/§6). Imports and wrapper functions before that brace
// are ignored.
func extractTestBody(programText string) string {
	start := -1
	if loc := bodyOpenRe.FindStringIndex(programText); loc != nil {
		start = loc[1] - 1 // index of the '{' itself
	} else {
		start = strings.IndexByte(programText, '{')
	}
	if start < 0 {
		return programText
	}
	depth := 0
	for i := start; i < len(programText); i++ {
		switch programText[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return programText[start+1 : i]
			}
		}
	}
	// Unbalanced braces: fall back to everything after the first '{'.
	return programText[start+1:]
}

// Reserialize reconstructs a program from its parsed steps by concatenating
// step headers and bodies in order (R1: the reparse of this output must
// yield the same step list).
func Reserialize(steps []Step) string {
	if len(steps) == 1 && steps[0].Description == "" && !hasExplicitMarkers(steps) {
		return steps[0].Body
	}
	var b strings.Builder
	for _, s := range steps {
		b.WriteString("// =====================\n")
		b.WriteString("// STEP ")
		b.WriteString(itoa(s.Number))
		b.WriteString(": ")
		b.WriteString(s.Description)
		b.WriteString("\n")
		b.WriteString("// =====================\n")
		b.WriteString(s.Body)
		b.WriteString("\n\n")
	}
	return "{\n" + b.String() + "}"
}

func hasExplicitMarkers(steps []Step) bool { return len(steps) > 1 }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// stripTypeAnnotations removes TypeScript-style surface syntax before
// evaluation: variable type annotations, `as T` assertions, and generic
// parameters on call sites (spec §4.4).
var (
	varAnnotationRe = regexp.MustCompile(`(\b(?:const|let|var)\s+\w+)\s*:\s*[\w<>\[\]., |]+(\s*=)`)
	asAssertionRe   = regexp.MustCompile(`\s+as\s+[\w<>\[\]., ]+`)
	genericCallRe   = regexp.MustCompile(`(\w+)<[\w<>\[\]., ]+>(\()`)
)

// StripTypeAnnotations applies the three textual transforms named in spec
// §4.4.
func StripTypeAnnotations(body string) string {
	body = varAnnotationRe.ReplaceAllString(body, "$1$2")
	body = asAssertionRe.ReplaceAllString(body, "")
	body = genericCallRe.ReplaceAllString(body, "$1$2")
	return body
}
