package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicPatternValidation(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{"valid", "svc/{executorId}/command", false},
		{"empty", "", true},
		{"leading slash", "/svc/command", true},
		{"trailing slash", "svc/command/", true},
		{"dollar prefix", "$share/svc/command", true},
		{"bad char", "svc/comm and", true},
		{"unmatched brace", "svc/{token/command", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTopicPattern("pattern", tc.pattern, nil, "")
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTopicResolveAndFilter(t *testing.T) {
	tp, err := NewTopicPattern("pattern", "svc/{executorId}/command/{name}", map[string]string{"executorId": "exec1"}, "")
	require.NoError(t, err)

	topic, err := tp.Topic(map[string]string{"name": "inc"})
	require.NoError(t, err)
	assert.Equal(t, "svc/exec1/command/inc", topic)

	tf, err := tp.Filter()
	require.NoError(t, err)
	assert.Equal(t, "svc/exec1/command/+", tf.Filter())
}

func TestTopicRoundTrip(t *testing.T) {
	// Testable property 6: parse(resolve(P, M), P) == M restricted to tokens in P.
	tp, err := NewTopicPattern("pattern", "svc/{a}/thing/{b}", nil, "")
	require.NoError(t, err)

	want := map[string]string{"a": "x1", "b": "y2"}
	topic, err := tp.Topic(want)
	require.NoError(t, err)

	tf, err := tp.Filter()
	require.NoError(t, err)

	got, ok := tf.Tokens(topic)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestUnresolvedTokenIsErrorOnPublish(t *testing.T) {
	tp, err := NewTopicPattern("pattern", "svc/{a}/command", nil, "")
	require.NoError(t, err)
	_, err = tp.Topic(nil)
	assert.Error(t, err)
}

func TestUnresolvedTokenBecomesWildcardOnFilter(t *testing.T) {
	tp, err := NewTopicPattern("pattern", "svc/{a}/command", nil, "")
	require.NoError(t, err)
	tf, err := tp.Filter()
	require.NoError(t, err)
	assert.Equal(t, "svc/+/command", tf.Filter())
}

func TestMultiLabelTokenValue(t *testing.T) {
	tp, err := NewTopicPattern("pattern", "svc/{path}/command", map[string]string{"path": "a/b/c"}, "")
	require.NoError(t, err)
	topic, err := tp.Topic(nil)
	require.NoError(t, err)
	assert.Equal(t, "svc/a/b/c/command", topic)
}

func TestNamespacePrefix(t *testing.T) {
	tp, err := NewTopicPattern("pattern", "command", nil, "ns1/ns2")
	require.NoError(t, err)
	topic, err := tp.Topic(nil)
	require.NoError(t, err)
	assert.Equal(t, "ns1/ns2/command", topic)
}

func TestShareNameValidation(t *testing.T) {
	assert.NoError(t, ValidateShareName(""))
	assert.NoError(t, ValidateShareName("group1"))
	assert.Error(t, ValidateShareName("bad group"))
}
