package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`  {"destination":"10.0.0.9","content":"x"}  `))
	require.NoError(t, err)
	dest, ok := env.Destination()
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.9", dest)

	_, err = DecodeEnvelope([]byte(`{"destination":`))
	assert.ErrorIs(t, err, ErrInvalidJSON)

	_, err = DecodeEnvelope([]byte(`["not","an","object"]`))
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = DecodeEnvelope([]byte(`"str"`))
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = DecodeEnvelope([]byte("{\"destination\":\"10.0.0.9\",\"content\":\"\xff\xfe\"}"))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestDestinationMissingOrNotString(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"content":1}`))
	require.NoError(t, err)
	_, ok := env.Destination()
	assert.False(t, ok)

	env, err = DecodeEnvelope([]byte(`{"destination":42}`))
	require.NoError(t, err)
	_, ok = env.Destination()
	assert.False(t, ok)
}

func TestWithSourceKeepsContentBytes(t *testing.T) {
	content := `{ "type" : "ping", "n": [1, 2,3], "f": 1.50 }`
	in := `{"source":"6.6.6.6","destination":"127.0.0.1","content":` + content + `}`

	env, err := DecodeEnvelope([]byte(in))
	require.NoError(t, err)

	out, err := env.WithSource("127.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", out.Source())
	assert.Equal(t, content, out.Content())
	// the input is not modified
	assert.Equal(t, "6.6.6.6", env.Source())
}

func TestWithSourceAddsMissingField(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"destination":"10.0.0.2","content":"x"}`))
	require.NoError(t, err)

	out, err := env.WithSource("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", gjson.GetBytes(out.Bytes(), "source").String())
	assert.Equal(t, `"x"`, out.Content())
}

func TestWithSourceReplacesDuplicateKeys(t *testing.T) {
	in := `{"source":"6.6.6.6","destination":"10.0.0.2","content":"x","source":"7.7.7.7"}`
	env, err := DecodeEnvelope([]byte(in))
	require.NoError(t, err)

	out, err := env.WithSource("10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte(`"source"`)))
	assert.Equal(t, "10.0.0.1", out.Source())

	var decoded struct {
		Source  string `json:"source"`
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "10.0.0.1", decoded.Source)
	assert.Equal(t, "x", decoded.Content)
}

func TestFormatError(t *testing.T) {
	b := FormatError("10.0.0.9", ReasonNotConnected)
	require.True(t, gjson.ValidBytes(b))
	assert.Equal(t, TypeError, gjson.GetBytes(b, "type").String())
	assert.Equal(t, ReasonNotConnected, gjson.GetBytes(b, "error").String())
	assert.Equal(t, "10.0.0.9", gjson.GetBytes(b, "destination").String())
}

func TestStampTelemetry(t *testing.T) {
	payload := []byte(`{"source":"10.0.0.1","destination":"10.0.0.2","content":{"a":1}}`)
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("X", 3600))

	out, err := StampTelemetry(payload, "forwarded", ts)
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01T11:30:00Z", gjson.GetBytes(out, "timestamp").String())
	assert.Equal(t, "forwarded", gjson.GetBytes(out, "status").String())
	assert.Equal(t, `{"a":1}`, gjson.GetBytes(out, "content").Raw)
	assert.False(t, gjson.GetBytes(payload, "timestamp").Exists(), "payload must stay untouched")

	_, err = StampTelemetry([]byte("not json"), "forwarded", ts)
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestKeepaliveLine(t *testing.T) {
	b := KeepaliveLine()
	assert.Equal(t, `{"type":"keepalive"}`, string(b))
	b[0] = 'X'
	assert.Equal(t, `{"type":"keepalive"}`, string(KeepaliveLine()))
}

func TestLineReader(t *testing.T) {
	input := "one\r\ntwo\n\nthree"
	lr := NewLineReader(strings.NewReader(input), 16)

	var got []string
	for {
		line, err := lr.ReadLine()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(line))
	}
	assert.Equal(t, []string{"one", "two", "", "three"}, got)
}

func TestLineReaderTooLongRecovers(t *testing.T) {
	long := strings.Repeat("a", 10000)
	input := "ok\n" + long + "\nafter\n"
	lr := NewLineReader(strings.NewReader(input), 64)

	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(line))

	_, err = lr.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)

	line, err = lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "after", string(line))

	_, err = lr.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReaderExactLimit(t *testing.T) {
	lr := NewLineReader(strings.NewReader("abcd\nabcde\n"), 4)

	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(line))

	_, err = lr.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestLineReaderTooLongAtEOF(t *testing.T) {
	lr := NewLineReader(bytes.NewReader(bytes.Repeat([]byte("z"), 100)), 10)
	_, err := lr.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
	_, err = lr.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReaderFinalLineOverLimit(t *testing.T) {
	for _, in := range []string{"abcdef", "abcde", "abcde\r"} {
		lr := NewLineReader(strings.NewReader(in), 4)
		_, err := lr.ReadLine()
		assert.ErrorIs(t, err, ErrLineTooLong, "input %q", in)
	}

	lr := NewLineReader(strings.NewReader("abcd\r"), 4)
	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(line))
}

func TestParseProxyLine(t *testing.T) {
	ap, err := ParseProxyLine("PROXY TCP4 192.168.0.1 192.168.0.11 56324 443\r\n")
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.1:56324", ap.String())

	ap, err = ParseProxyLine("PROXY TCP6 2001:db8::1 2001:db8::2 4000 443")
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::1]:4000", ap.String())

	ap, err = ParseProxyLine("PROXY UNKNOWN")
	require.NoError(t, err)
	assert.False(t, ap.IsValid())

	for _, bad := range []string{
		"",
		"HELLO",
		"PROXY TCP4 1.1.1.1 2.2.2.2 1",
		"PROXY UDP4 1.1.1.1 2.2.2.2 1 2",
		"PROXY TCP4 2001:db8::1 2.2.2.2 1 2",
		"PROXY TCP4 1.1.1.1 2.2.2.2 70000 2",
		"PROXY TCP4 nope 2.2.2.2 1 2",
	} {
		_, err := ParseProxyLine(bad)
		assert.ErrorIs(t, err, ErrBadProxyHeader, bad)
	}
}
