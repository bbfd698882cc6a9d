package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"dehc/pkg/domain"
)

const evacuationYAML = `
Person:
  fields:
    Display Name: {type: text, required: true}
    Status: {type: option, options: [Waiting, Boarded]}
    Weight: {type: read, source: WEIGHT, default: 70, regex: '[0-9]+(\.[0-9]+)?'}
    Baggage: {type: list, source: IDS, childcat: Baggage, childfield: Owner}
    Groups: {type: list, source: IDS, childcat: Group, childfield: Members}
    Physical IDs: {type: list, source: PHYSIDS}
    Locked: {type: lock}
  flags: [Ub-Unboarded, Md-Medical attention]
  keys: [Display Name]
Baggage:
  fields:
    Tag: {type: text, required: true, regex: 'Bag[0-9]+'}
    Owner: {type: list, cat: Person}
    Weight: {type: read, source: WEIGHT}
  keys: [Tag]
Group:
  fields:
    Name: {type: text, required: true}
    Members: {type: list, cat: Person}
    Weight: {type: sum, cat: [Person, Baggage], target: Weight}
    Headcount: {type: count, cat: Person}
  keys: [Name]
`

func mustParse(t *testing.T, src string) Definitions {
	t.Helper()
	defs, err := Parse([]byte(src), FormatYAML)
	require.NoError(t, err)
	return defs
}

func TestLoadBuildsTypedFieldsInOrder(t *testing.T) {
	reg, err := Load(mustParse(t, evacuationYAML))
	require.NoError(t, err)
	require.Equal(t, []string{"Baggage", "Group", "Person"}, reg.Categories())

	person, err := reg.SchemaFor("Person")
	require.NoError(t, err)
	names := make([]string, 0, len(person.Fields))
	for _, f := range person.Fields {
		names = append(names, f.FieldName())
	}
	require.Equal(t, []string{"Display Name", "Status", "Weight", "Baggage", "Groups", "Physical IDs", "Locked"}, names)

	weight, ok := person.Field("Weight")
	require.True(t, ok)
	rf, ok := weight.(ReadField)
	require.True(t, ok)
	require.Equal(t, 70.0, rf.Default)
	require.True(t, rf.Pattern.MatchString("23.5"))
	require.False(t, rf.Pattern.MatchString("23.5kg"))

	phys, _ := person.Field("Physical IDs")
	require.False(t, phys.(ListField).InStore())

	flag, ok := person.Flag("Ub-Unboarded")
	require.True(t, ok)
	require.Equal(t, "Ub", flag.Code)
	_, ok = person.Flag("Md")
	require.True(t, ok)
}

func TestLoadCompletesReciprocalPairs(t *testing.T) {
	reg, err := Load(mustParse(t, evacuationYAML))
	require.NoError(t, err)

	bag, err := reg.SchemaFor("Baggage")
	require.NoError(t, err)
	owner, _ := bag.Field("Owner")
	lf := owner.(ListField)
	require.Equal(t, "Person", lf.Category)
	require.Equal(t, "Baggage", lf.ChildField)
	require.True(t, lf.Reciprocal())

	refs := reg.Referrers("Group")
	require.Equal(t, []Reference{{Category: "Person", Field: "Groups"}}, refs)
}

func TestSchemaForUnknownCategory(t *testing.T) {
	reg := MustLoad(mustParse(t, evacuationYAML))
	_, err := reg.SchemaFor("Vessel")
	require.ErrorIs(t, err, domain.ErrUnknownCategory)
}

func TestLoadRejectsMalformedDefinitions(t *testing.T) {
	cases := map[string]string{
		"missing childfield": `
A:
  fields:
    Items: {type: list, childcat: B, childfield: Nope}
B:
  fields:
    Name: {type: text}
`,
		"unknown cat": `
A:
  fields:
    Items: {type: list, cat: Missing}
`,
		"sum target missing": `
A:
  fields:
    Total: {type: sum, cat: B, target: Weight}
B:
  fields:
    Name: {type: text}
`,
		"count cat missing": `
A:
  fields:
    N: {type: count, cat: [Nope]}
`,
		"key names nonexistent field": `
A:
  fields:
    Name: {type: text}
  keys: [Title]
`,
		"required option without options": `
A:
  fields:
    Status: {type: option, required: true}
`,
		"bad regex": `
A:
  fields:
    Name: {type: text, regex: '(['}
`,
		"bad flag": `
A:
  fields:
    Name: {type: text}
  flags: [Unboarded]
`,
		"unknown type": `
A:
  fields:
    Name: {type: blob}
`,
		"external list with category": `
A:
  fields:
    Tags: {type: list, source: PHYSIDS, cat: A}
`,
		"childfield not pointing back": `
A:
  fields:
    Items: {type: list, childcat: B, childfield: Other}
B:
  fields:
    Other: {type: list, cat: B}
`,
		"read without source": `
A:
  fields:
    Weight: {type: read}
`,
		"list key": `
A:
  fields:
    Items: {type: list, source: PHYSIDS}
  keys: [Items]
`,
		"sum targets cycle": `
A:
  fields:
    Items: {type: list, cat: B, childfield: Owners}
    Total: {type: sum, cat: B, target: Total}
B:
  fields:
    Owners: {type: list, cat: A}
    Total: {type: sum, cat: A, target: Total}
`,
		"sum targets itself": `
A:
  fields:
    Parent: {type: list, cat: A}
    Total: {type: sum, cat: A, target: Total}
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(mustParse(t, src))
			require.Error(t, err)
			var se *domain.SchemaError
			require.True(t, errors.As(err, &se), "expected SchemaError, got %T: %v", err, err)
			require.ErrorIs(t, err, domain.ErrSchema)
		})
	}
}

func TestSumCycleErrorNamesField(t *testing.T) {
	_, err := Load(mustParse(t, `
A:
  fields:
    Total: {type: sum, cat: B, target: Total}
B:
  fields:
    Total: {type: sum, cat: C, target: Total}
C:
  fields:
    Total: {type: sum, cat: A, target: Total}
`))
	var se *domain.SchemaError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "Total", se.Field)
	require.Contains(t, se.Reason, "cycle")
}

func TestNestedSumsWithoutCycleLoad(t *testing.T) {
	reg, err := Load(mustParse(t, `
Lane:
  fields:
    Load: {type: sum, cat: Vessel, target: Load}
Vessel:
  fields:
    Lane: {type: list, cat: Lane}
    Load: {type: sum, cat: Group, target: Weight}
Group:
  fields:
    Vessel: {type: list, cat: Vessel}
    Weight: {type: read, source: WEIGHT}
`))
	require.NoError(t, err)
	require.True(t, reg.Contains("Lane", "Vessel"))
	require.True(t, reg.Contains("Vessel", "Group"))
	require.False(t, reg.Contains("Group", "Vessel"))
	require.False(t, reg.Contains("Lane", "Group"))
}

func TestRequiredOptionWithDefaultLoads(t *testing.T) {
	_, err := Load(mustParse(t, `
A:
  fields:
    Status: {type: option, required: true, default: Waiting}
`))
	require.NoError(t, err)
}

func TestFingerprintIsStable(t *testing.T) {
	a := MustLoad(mustParse(t, evacuationYAML))
	b := MustLoad(mustParse(t, evacuationYAML))
	require.Len(t, a.Fingerprint(), 64)
	require.Equal(t, a.Fingerprint(), b.Fingerprint())

	defs := mustParse(t, evacuationYAML)
	cat := defs["Group"]
	cat.Flags = append(cat.Flags, "Dp-Departed")
	defs["Group"] = cat
	c := MustLoad(defs)
	require.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
