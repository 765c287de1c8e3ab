package in_toto

import (
	"fmt"
	"regexp"
	"strings"
)

/*
SubstitutionParameters maps `{NAME}` placeholders to their replacement
values for the parameter substitution step of verification (spec.md §4.7
step 3): substitution happens once, after layout signature verification,
on a deep copy of the layout so the originally signed bytes are never
mutated.
*/
type SubstitutionParameters map[string]string

// placeholderPattern matches any `{...}` token remaining after every
// known parameter has been substituted; spec.md §4.7 step 3 requires
// such tokens to fail verification rather than pass through literally.
var placeholderPattern = regexp.MustCompile(`\{[^{}]*\}`)

func substituteString(s string, params SubstitutionParameters) (string, error) {
	for name, value := range params {
		s = strings.ReplaceAll(s, "{"+name+"}", value)
	}
	if token := placeholderPattern.FindString(s); token != "" {
		return "", NewError(KindSchema, fmt.Sprintf("undefined parameter placeholder %s", token))
	}
	return s, nil
}

func substituteSlice(ss []string, params SubstitutionParameters) ([]string, error) {
	out := make([]string, len(ss))
	for i, s := range ss {
		sub, err := substituteString(s, params)
		if err != nil {
			return nil, err
		}
		out[i] = sub
	}
	return out, nil
}

func substituteRules(rules [][]string, params SubstitutionParameters) ([][]string, error) {
	out := make([][]string, len(rules))
	for i, rule := range rules {
		sub, err := substituteSlice(rule, params)
		if err != nil {
			return nil, err
		}
		out[i] = sub
	}
	return out, nil
}

/*
SubstituteLayout returns a deep copy of layout with every `{NAME}`
placeholder in ExpectedCommand, artifact rule operands, and inspection Run
commands replaced according to params. The input layout is never mutated.
Any `{...}` token left unresolved after substitution is an error.
*/
func SubstituteLayout(layout Layout, params SubstitutionParameters) (Layout, error) {
	out := layout

	out.Steps = make([]Step, len(layout.Steps))
	for i, step := range layout.Steps {
		cmd, err := substituteSlice(step.ExpectedCommand, params)
		if err != nil {
			return Layout{}, err
		}
		materials, err := substituteRules(step.ExpectedMaterials, params)
		if err != nil {
			return Layout{}, err
		}
		products, err := substituteRules(step.ExpectedProducts, params)
		if err != nil {
			return Layout{}, err
		}
		step.ExpectedCommand = cmd
		step.ExpectedMaterials = materials
		step.ExpectedProducts = products
		out.Steps[i] = step
	}

	out.Inspect = make([]Inspection, len(layout.Inspect))
	for i, insp := range layout.Inspect {
		run, err := substituteSlice(insp.Run, params)
		if err != nil {
			return Layout{}, err
		}
		materials, err := substituteRules(insp.ExpectedMaterials, params)
		if err != nil {
			return Layout{}, err
		}
		products, err := substituteRules(insp.ExpectedProducts, params)
		if err != nil {
			return Layout{}, err
		}
		insp.Run = run
		insp.ExpectedMaterials = materials
		insp.ExpectedProducts = products
		out.Inspect[i] = insp
	}

	return out, nil
}
