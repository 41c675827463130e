package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// instructionKeys are the accepted discriminators of one instruction entry.
var instructionKeys = []string{"fixed", "ac", "branch", "checkpoint", "beam", "expt"}

// CompilePrograms compiles every program under the top-level "sequence"
// struct, in declaration order.
//
//	sequence: burst: {
//		kind: "beam"
//		instructions: [
//			{label: "top", fixed: {marker: 0, occurrence: 1}},
//			{beam: charge: 1},
//			{branch: to: "top"},
//		]
//	}
func CompilePrograms(v cue.Value) ([]ir.Program, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	seqVal := v.LookupPath(cue.ParsePath("sequence"))
	if !seqVal.Exists() {
		return nil, &CompileError{
			Field:   "sequence",
			Message: "no sequence definitions found",
			Pos:     v.Pos(),
		}
	}

	iter, err := seqVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var programs []ir.Program
	for iter.Next() {
		p, err := CompileProgram(iter.Value())
		if err != nil {
			return nil, err
		}
		programs = append(programs, *p)
	}
	return programs, nil
}

// CompileProgram parses one program struct. The program name is the last
// selector of the value's path.
func CompileProgram(v cue.Value) (*ir.Program, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	p := &ir.Program{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		p.Name = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	kindVal := v.LookupPath(cue.ParsePath("kind"))
	if kindVal.Exists() {
		s, err := kindVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		kind, err := ir.ParseRequestKind(s)
		if err != nil {
			return nil, &CompileError{Field: "kind", Message: err.Error(), Pos: kindVal.Pos()}
		}
		p.Kind = kind
	}

	listVal := v.LookupPath(cue.ParsePath("instructions"))
	if !listVal.Exists() {
		return nil, &CompileError{
			Field:   "instructions",
			Message: "instructions are required",
			Pos:     v.Pos(),
		}
	}
	entries, err := listEntries(listVal)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &CompileError{
			Field:   "instructions",
			Message: "at least one instruction is required",
			Pos:     listVal.Pos(),
		}
	}

	labelIndex, err := collectLabels(entries)
	if err != nil {
		return nil, err
	}

	for idx, entry := range entries {
		instr, err := parseInstruction(entry, idx, len(entries), labelIndex)
		if err != nil {
			return nil, err
		}
		p.Instructions = append(p.Instructions, instr)
	}

	if err := checkKinds(p, v); err != nil {
		return nil, err
	}

	startVal := v.LookupPath(cue.ParsePath("start"))
	if startVal.Exists() {
		start, err := resolveTarget(startVal, "start", len(entries), labelIndex)
		if err != nil {
			return nil, err
		}
		p.Start = start
	}

	return p, nil
}

func listEntries(v cue.Value) ([]cue.Value, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var entries []cue.Value
	for iter.Next() {
		entries = append(entries, iter.Value())
	}
	return entries, nil
}

// collectLabels maps entry labels to instruction indices so branches may
// refer to them before they are declared.
func collectLabels(entries []cue.Value) (map[string]int, error) {
	labels := make(map[string]int)
	for idx, entry := range entries {
		lv := entry.LookupPath(cue.ParsePath("label"))
		if !lv.Exists() {
			continue
		}
		name, err := lv.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if _, dup := labels[name]; dup {
			return nil, &CompileError{
				Field:   "label",
				Message: fmt.Sprintf("duplicate label %q", name),
				Pos:     lv.Pos(),
			}
		}
		labels[name] = idx
	}
	return labels, nil
}

func parseInstruction(entry cue.Value, idx, n int, labels map[string]int) (ir.Instruction, error) {
	var key string
	for _, k := range instructionKeys {
		if entry.LookupPath(cue.ParsePath(k)).Exists() {
			if key != "" {
				return nil, &CompileError{
					Field:   fmt.Sprintf("instructions[%d]", idx),
					Message: fmt.Sprintf("both %q and %q given; one instruction per entry", key, k),
					Pos:     entry.Pos(),
				}
			}
			key = k
		}
	}
	if key == "" {
		return nil, &CompileError{
			Field:   fmt.Sprintf("instructions[%d]", idx),
			Message: fmt.Sprintf("expected one of %s", strings.Join(instructionKeys, ", ")),
			Pos:     entry.Pos(),
		}
	}

	body := entry.LookupPath(cue.ParsePath(key))
	field := fmt.Sprintf("instructions[%d].%s", idx, key)

	switch key {
	case "fixed":
		marker, err := uintField(body, field, "marker", true, 0, ir.MaxMarker)
		if err != nil {
			return nil, err
		}
		occ, err := uintField(body, field, "occurrence", false, 1, ir.MaxOccurrence)
		if err != nil {
			return nil, err
		}
		return ir.FixedRateSync{Marker: uint8(marker), Occurrence: uint16(occ)}, nil

	case "ac":
		mask, err := uintField(body, field, "timeslots", true, 0, ir.MaxTimeslotMask)
		if err != nil {
			return nil, err
		}
		marker, err := uintField(body, field, "marker", true, 0, ir.MaxMarker)
		if err != nil {
			return nil, err
		}
		occ, err := uintField(body, field, "occurrence", false, 1, ir.MaxOccurrence)
		if err != nil {
			return nil, err
		}
		return ir.ACRateSync{TimeslotMask: uint8(mask), Marker: uint8(marker), Occurrence: uint16(occ)}, nil

	case "branch":
		return parseBranch(body, field, n, labels)

	case "checkpoint":
		cp := ir.Checkpoint{}
		if lv := body.LookupPath(cue.ParsePath("label")); lv.Exists() {
			s, err := lv.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			cp.Label = s
		} else if lv := entry.LookupPath(cue.ParsePath("label")); lv.Exists() {
			s, _ := lv.String()
			cp.Label = s
		}
		return cp, nil

	case "beam":
		charge, err := uintField(body, field, "charge", true, 0, ir.MaxRequestValue)
		if err != nil {
			return nil, err
		}
		return ir.BeamRequest{Charge: uint32(charge)}, nil

	case "expt":
		word, err := uintField(body, field, "word", true, 0, ir.MaxRequestValue)
		if err != nil {
			return nil, err
		}
		return ir.ExptRequest{Word: uint32(word)}, nil
	}

	return nil, fmt.Errorf("unreachable instruction key %q", key)
}

func parseBranch(body cue.Value, field string, n int, labels map[string]int) (ir.Instruction, error) {
	br := ir.Branch{}

	targetVal := body.LookupPath(cue.ParsePath("target"))
	toVal := body.LookupPath(cue.ParsePath("to"))
	switch {
	case targetVal.Exists() && toVal.Exists():
		return nil, &CompileError{Field: field, Message: "give either target or to, not both", Pos: body.Pos()}
	case targetVal.Exists():
		t, err := resolveTarget(targetVal, field+".target", n, labels)
		if err != nil {
			return nil, err
		}
		br.Target = t
	case toVal.Exists():
		t, err := resolveTarget(toVal, field+".to", n, labels)
		if err != nil {
			return nil, err
		}
		br.Target = t
	default:
		return nil, &CompileError{Field: field, Message: "branch target is required", Pos: body.Pos()}
	}

	if cv := body.LookupPath(cue.ParsePath("counter")); cv.Exists() {
		s, err := cv.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		c, err := ir.ParseCounter(s)
		if err != nil {
			return nil, &CompileError{Field: field + ".counter", Message: err.Error(), Pos: cv.Pos()}
		}
		br.Counter = c
	}

	test, err := uintField(body, field, "test", false, 0, ir.MaxBranchTest)
	if err != nil {
		return nil, err
	}
	br.Test = uint16(test)
	return br, nil
}

// resolveTarget accepts an instruction index or a label name.
func resolveTarget(v cue.Value, field string, n int, labels map[string]int) (int, error) {
	if s, err := v.String(); err == nil {
		idx, ok := labels[s]
		if !ok {
			return 0, &CompileError{Field: field, Message: fmt.Sprintf("unknown label %q", s), Pos: v.Pos()}
		}
		return idx, nil
	}
	i, err := v.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	if i < 0 || i >= int64(n) {
		return 0, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("index %d outside sequence of length %d", i, n),
			Pos:     v.Pos(),
		}
	}
	return int(i), nil
}

func uintField(body cue.Value, parent, name string, required bool, def, max uint64) (uint64, error) {
	v := body.LookupPath(cue.ParsePath(name))
	if !v.Exists() {
		if required {
			return 0, &CompileError{
				Field:   parent + "." + name,
				Message: "field is required",
				Pos:     body.Pos(),
			}
		}
		return def, nil
	}
	i, err := v.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	if i < 0 || uint64(i) > max {
		return 0, &CompileError{
			Field:   parent + "." + name,
			Message: fmt.Sprintf("value %d outside [0, %d]", i, max),
			Pos:     v.Pos(),
		}
	}
	return uint64(i), nil
}

// checkKinds infers the program request kind and rejects mixed programs.
func checkKinds(p *ir.Program, v cue.Value) error {
	kinds := p.RequestKinds()
	if len(kinds) > 1 {
		return &CompileError{
			Field:   "instructions",
			Message: "program mixes beam and expt requests",
			Pos:     v.Pos(),
		}
	}
	for k := range kinds {
		if p.Kind == 0 {
			p.Kind = k
		} else if p.Kind != k {
			return &CompileError{
				Field:   "kind",
				Message: fmt.Sprintf("program declared %s but requests %s", p.Kind, k),
				Pos:     v.Pos(),
			}
		}
	}
	return nil
}
