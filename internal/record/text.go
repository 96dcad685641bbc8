package record

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"changeline/internal/domain"
)

// textCodec implements the human-diffable line layout. Each line is a keyword
// followed by key="value" fields; string values are Go-quoted so notes and
// descriptions survive any content. Indentation is cosmetic.
type textCodec struct{}

const textHeader = "changeline-record v1"

func (textCodec) Ext() string { return ".csr" }

func (textCodec) Encode(p *domain.Project) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintln(&b, textHeader)
	writeLine(&b, 0, "project", field{"name", p.Name})
	for _, s := range p.Specs {
		fmt.Fprintln(&b)
		writeLine(&b, 0, "spec",
			field{"name", s.Name},
			field{"status", string(s.Status)},
			field{"parent", s.Parent},
			field{"cl", s.CLRef},
		)
		if s.Description != "" {
			writeLine(&b, 1, "description", field{"text", s.Description})
		}
		for _, t := range s.TestTargets {
			writeLine(&b, 1, "test-target", field{"target", t})
		}
		for _, e := range s.History {
			writeLine(&b, 1, "history",
				field{"id", e.ID()},
				field{"note", e.Note},
				field{"chat", e.ChatPath},
				field{"diff", e.DiffPath},
				field{"suffix", e.Suffix},
				field{"suffix-type", string(e.SuffixType)},
			)
		}
		for _, h := range s.Hooks {
			writeLine(&b, 1, "hook", field{"command", h.RawCommand})
			for _, l := range h.Lines {
				writeLine(&b, 2, "run",
					field{"entry", l.EntryID},
					field{"at", l.At},
					field{"state", string(l.State)},
					field{"duration", l.Duration},
					field{"suffix", l.Suffix},
					field{"suffix-type", string(l.SuffixType)},
				)
			}
		}
		for _, c := range s.Comments {
			writeLine(&b, 1, "comment",
				field{"reviewer", c.Reviewer},
				field{"path", c.Path},
				field{"suffix", c.Suffix},
				field{"suffix-type", string(c.SuffixType)},
			)
		}
	}
	return b.Bytes(), nil
}

func (textCodec) Decode(data []byte) (*domain.Project, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	if !sc.Scan() {
		return nil, fmt.Errorf("empty record")
	}
	lineNo++
	if strings.TrimSpace(sc.Text()) != textHeader {
		return nil, fmt.Errorf("line 1: expected header %q", textHeader)
	}

	p := &domain.Project{}
	var spec *domain.ChangeSpec
	var hook *domain.HookEntry
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keyword, fields, err := parseFields(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		switch keyword {
		case "project":
			p.Name = fields["name"]
		case "spec":
			status := domain.Status(fields["status"])
			if !status.Valid() {
				return nil, fmt.Errorf("line %d: unknown status %q", lineNo, fields["status"])
			}
			spec = &domain.ChangeSpec{
				Name:   fields["name"],
				Status: status,
				Parent: fields["parent"],
				CLRef:  fields["cl"],
			}
			hook = nil
			p.Specs = append(p.Specs, spec)
		case "description":
			if spec == nil {
				return nil, fmt.Errorf("line %d: description outside spec block", lineNo)
			}
			spec.Description = fields["text"]
		case "test-target":
			if spec == nil {
				return nil, fmt.Errorf("line %d: test-target outside spec block", lineNo)
			}
			spec.TestTargets = append(spec.TestTargets, fields["target"])
		case "history":
			if spec == nil {
				return nil, fmt.Errorf("line %d: history outside spec block", lineNo)
			}
			num, letter, err := domain.ParseEntryID(fields["id"])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			st := domain.SuffixType(fields["suffix-type"])
			if !st.Valid() {
				return nil, fmt.Errorf("line %d: unknown suffix type %q", lineNo, fields["suffix-type"])
			}
			spec.History = append(spec.History, domain.HistoryEntry{
				Number:         num,
				ProposalLetter: letter,
				Note:           fields["note"],
				ChatPath:       fields["chat"],
				DiffPath:       fields["diff"],
				Suffix:         fields["suffix"],
				SuffixType:     st,
			})
		case "hook":
			if spec == nil {
				return nil, fmt.Errorf("line %d: hook outside spec block", lineNo)
			}
			spec.Hooks = append(spec.Hooks, domain.HookEntry{RawCommand: fields["command"]})
			hook = &spec.Hooks[len(spec.Hooks)-1]
		case "run":
			if hook == nil {
				return nil, fmt.Errorf("line %d: run outside hook block", lineNo)
			}
			state := domain.HookState(fields["state"])
			if !state.Valid() {
				return nil, fmt.Errorf("line %d: unknown hook state %q", lineNo, fields["state"])
			}
			st := domain.SuffixType(fields["suffix-type"])
			if !st.Valid() {
				return nil, fmt.Errorf("line %d: unknown suffix type %q", lineNo, fields["suffix-type"])
			}
			hook.Lines = append(hook.Lines, domain.HookStatusLine{
				EntryID:    fields["entry"],
				At:         fields["at"],
				State:      state,
				Duration:   fields["duration"],
				Suffix:     fields["suffix"],
				SuffixType: st,
			})
		case "comment":
			if spec == nil {
				return nil, fmt.Errorf("line %d: comment outside spec block", lineNo)
			}
			st := domain.SuffixType(fields["suffix-type"])
			if !st.Valid() {
				return nil, fmt.Errorf("line %d: unknown suffix type %q", lineNo, fields["suffix-type"])
			}
			spec.Comments = append(spec.Comments, domain.CommentEntry{
				Reviewer:   fields["reviewer"],
				Path:       fields["path"],
				Suffix:     fields["suffix"],
				SuffixType: st,
			})
		default:
			return nil, fmt.Errorf("line %d: unknown keyword %q", lineNo, keyword)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

type field struct {
	key   string
	value string
}

func writeLine(b *bytes.Buffer, indent int, keyword string, fields ...field) {
	b.WriteString(strings.Repeat("  ", indent))
	b.WriteString(keyword)
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(f.value))
	}
	b.WriteByte('\n')
}

// parseFields splits `keyword key="value" ...` into its parts. Values are
// Go-quoted strings.
func parseFields(line string) (string, map[string]string, error) {
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return line, map[string]string{}, nil
	}
	keyword := line[:sp]
	fields := map[string]string{}
	rest := strings.TrimLeft(line[sp+1:], " ")
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return "", nil, fmt.Errorf("malformed field near %q", rest)
		}
		key := rest[:eq]
		rest = rest[eq+1:]
		if !strings.HasPrefix(rest, `"`) {
			return "", nil, fmt.Errorf("field %s: value must be quoted", key)
		}
		value, remainder, err := unquotePrefix(rest)
		if err != nil {
			return "", nil, fmt.Errorf("field %s: %w", key, err)
		}
		fields[key] = value
		rest = strings.TrimLeft(remainder, " ")
	}
	return keyword, fields, nil
}

// unquotePrefix unquotes the Go-quoted string at the start of s and returns
// the remainder. A quote is closing when preceded by an even number of
// backslashes.
func unquotePrefix(s string) (string, string, error) {
	for i := 1; i < len(s); i++ {
		if s[i] != '"' {
			continue
		}
		backslashes := 0
		for j := i - 1; j > 0 && s[j] == '\\'; j-- {
			backslashes++
		}
		if backslashes%2 != 0 {
			continue
		}
		value, err := strconv.Unquote(s[:i+1])
		if err != nil {
			return "", "", err
		}
		return value, s[i+1:], nil
	}
	return "", "", fmt.Errorf("unterminated quoted value")
}
