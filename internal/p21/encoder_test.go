package p21

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepcore/internal/core"
)

var geometryData = []string{
	"#1=POINT(0.,0.,0.);",
	"#2=POINT(1.5,-2.0,3.0E-5);",
	`#3=CIRCLE('r\X2\00E9\X0\sum''s',#1,2);`,
	"#4=FOO(#2);",
	"#5=BAR();",
	"#6=(BAR()POINT(1.,1.,1.));",
	`#7=FLAGS(.T.,.U.,.RED.,"0F",(1,2.5));`,
}

func goldenHeader() Header {
	return Header{
		Description:         []string{"golden"},
		Name:                "golden.stp",
		TimeStamp:           "2024-01-01T00:00:00",
		Author:              []string{"stepcore"},
		Organization:        []string{"stepcore"},
		PreprocessorVersion: "stepcore",
		OriginatingSystem:   "stepcore",
	}
}

func TestEncodeGolden(t *testing.T) {
	e := newEnv(t, nil)
	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'", geometryData...))

	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(goldenHeader(), models...))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "encode_geometry", buf.Bytes())
}

func TestEncodeDecodeIsStable(t *testing.T) {
	e := newEnv(t, nil)
	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'", geometryData...))
	var first bytes.Buffer
	require.NoError(t, NewEncoder(&first).Encode(goldenHeader(), models...))

	again := newEnv(t, nil)
	es, decoded, err := again.decode(first.String())
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "golden", decoded[0].Name())
	assert.Equal(t, models[0].Contents().Len(), decoded[0].Contents().Len())

	var second bytes.Buffer
	require.NoError(t, NewEncoder(&second).Encode(es.Header, decoded...))
	assert.Equal(t, first.String(), second.String())
}

func TestEncodeSeveralModels(t *testing.T) {
	e := newEnv(t, nil)
	a := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=BAR();"))
	b := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#2=FOO(#2);"))

	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(Header{Name: "pair.stp"}, a[0], b[0]))
	out := buf.String()
	assert.Contains(t, out, "DATA('bracket',('TEST_SCHEMA'));\n#1=BAR();\nENDSEC;")
	assert.Contains(t, out, "DATA('bracket_2',('TEST_SCHEMA'));\n#2=FOO(#2);\nENDSEC;")
	assert.Contains(t, out, "FILE_DESCRIPTION((),'2;1');")
	assert.Contains(t, out, "FILE_SCHEMA(('TEST_SCHEMA'));")
}

func TestEncodeRejects(t *testing.T) {
	t.Run("duplicate names across models", func(t *testing.T) {
		e := newEnv(t, nil)
		a := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=BAR();"))
		b := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=BAR();"))
		err := NewEncoder(&bytes.Buffer{}).Encode(Header{}, a[0], b[0])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "#1 appears in models")
	})
	t.Run("reference outside the encoded models", func(t *testing.T) {
		e := newEnv(t, nil)
		lib := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=BAR();"))
		origin := lib[0].Contents().ComplexEntity(1).Persistent()
		user := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#5=FOO(#ORIGIN);"), WithForeignResolver(constantResolver{ref: origin}))
		err := NewEncoder(&bytes.Buffer{}).Encode(Header{}, user[0])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outside the encoded models")
	})
}

func TestFormatReal(t *testing.T) {
	cases := map[float64]string{
		0:       "0.",
		1:       "1.",
		-2:      "-2.",
		1.5:     "1.5",
		3e-05:   "3.E-05",
		1.25e21: "1.25E+21",
		1e21:    "1.E+21",
	}
	for in, want := range cases {
		assert.Equal(t, want, formatReal(in), "%v", in)
	}
}

func TestWriteValueVariants(t *testing.T) {
	var b strings.Builder
	err := writeValue(&b, core.Aggregate{
		nil,
		core.Integer(-4),
		core.Boolean(false),
		core.Typed{Type: "LABEL", Value: core.String("x")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "($,-4,.F.,LABEL('x'))", b.String())
}
