package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSetValidDocument(t *testing.T) {
	set, err := LoadSet([]byte(`
policy_set: access-standard
version: "2.1"
process_type: ACCESS_REQUEST
rules:
  - id: manager-approval
    name: Manager approval
    layer: baseline
    priority: 10
    active: true
    when:
      - path: context.risk_score
        op: ">="
        value: 0
    then:
      - type: ADD_APPROVER
        approver_type: LINE_MANAGER
        reason: Baseline manager sign-off
`))
	require.NoError(t, err)
	assert.Equal(t, "access-standard", set.ID)
	assert.Equal(t, "2.1", set.Version)
	assert.NotEmpty(t, set.VersionHash)
	require.Len(t, set.Rules, 1)
	assert.Equal(t, "baseline", set.Rules[0].Layer)
}

func TestLoadSetRejectsUnknownKeys(t *testing.T) {
	_, err := LoadSet([]byte(`
policy_set: bad
version: "1"
surprise: true
rules: []
`))
	require.Error(t, err)
}

func TestLoadSetValidation(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing set id", `
version: "1"
rules: []
`},
		{"missing version", `
policy_set: x
rules: []
`},
		{"duplicate rule id", `
policy_set: x
version: "1"
rules:
  - id: r1
    name: A
    priority: 10
    active: true
    when: []
    then: []
  - id: r1
    name: B
    priority: 20
    active: true
    when: []
    then: []
`},
		{"unknown operator", `
policy_set: x
version: "1"
rules:
  - id: r1
    name: A
    priority: 10
    active: true
    when:
      - path: context.risk_score
        op: "~="
        value: 1
    then: []
`},
		{"unknown path", `
policy_set: x
version: "1"
rules:
  - id: r1
    name: A
    priority: 10
    active: true
    when:
      - path: context.nonsense
        op: "="
        value: 1
    then: []
`},
		{"unknown action type", `
policy_set: x
version: "1"
rules:
  - id: r1
    name: A
    priority: 10
    active: true
    when: []
    then:
      - type: LAUNCH_MISSILES
`},
		{"add approver without type", `
policy_set: x
version: "1"
rules:
  - id: r1
    name: A
    priority: 10
    active: true
    when: []
    then:
      - type: ADD_APPROVER
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadSet([]byte(tc.doc))
			require.Error(t, err)
			var compileErr *CompileError
			assert.True(t, errors.As(err, &compileErr))
		})
	}
}

func TestIncludesExpandAsConjunction(t *testing.T) {
	set, err := LoadSet([]byte(`
policy_set: includes
version: "1"
rules:
  - id: finance-scope
    name: Finance scope
    priority: 5
    active: false
    when:
      - path: context.attributes.department
        op: "="
        value: finance
    then: []
  - id: finance-high-risk
    name: Finance high risk
    priority: 10
    active: true
    includes: [finance-scope]
    when:
      - path: context.risk_score
        op: ">="
        value: 60
    then:
      - type: ADD_APPROVER
        approver_type: SECURITY_OFFICER
`))
	require.NoError(t, err)

	var expanded *Rule
	for i := range set.Rules {
		if set.Rules[i].ID == "finance-high-risk" {
			expanded = &set.Rules[i]
		}
	}
	require.NotNil(t, expanded)
	require.Len(t, expanded.Conditions, 2)
	assert.Equal(t, "context.attributes.department", expanded.Conditions[1].Path)
}

func TestIncludeCycleRejected(t *testing.T) {
	_, err := LoadSet([]byte(`
policy_set: cyclic
version: "1"
rules:
  - id: a
    name: A
    priority: 10
    active: true
    includes: [b]
    when: []
    then: []
  - id: b
    name: B
    priority: 20
    active: true
    includes: [a]
    when: []
    then: []
`))
	require.Error(t, err)
	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr))
	assert.Contains(t, compileErr.Message, "cycle")
}

func TestCanonicalHashStability(t *testing.T) {
	doc := []byte(`
policy_set: hashed
version: "1"
rules:
  - id: r1
    name: A
    priority: 10
    active: true
    when:
      - path: context.risk_score
        op: ">="
        value: 10
    then:
      - type: TAG
        tag: t
`)
	first := MustLoadSet(doc)
	second := MustLoadSet(doc)
	assert.Equal(t, first.VersionHash, second.VersionHash)

	changed := MustLoadSet([]byte(`
policy_set: hashed
version: "1"
rules:
  - id: r1
    name: A
    priority: 10
    active: true
    when:
      - path: context.risk_score
        op: ">="
        value: 11
    then:
      - type: TAG
        tag: t
`))
	assert.NotEqual(t, first.VersionHash, changed.VersionHash)
}
