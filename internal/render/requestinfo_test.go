package render

import (
	"context"
	"errors"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHostWhitelist(t *testing.T) {
	tests := []struct {
		name      string
		whitelist []string
		host      string
		want      string
		wantErr   bool
	}{
		{
			name:      "exact match",
			whitelist: []string{"example.com"},
			host:      "example.com",
			want:      "example.com",
		},
		{
			name:      "exact mismatch",
			whitelist: []string{"example.com"},
			host:      "evil.com",
			wantErr:   true,
		},
		{
			name:      "regex match",
			whitelist: []string{`/^([a-z]+\.)?example\.com$/`},
			host:      "app.example.com",
			want:      "app.example.com",
		},
		{
			name:      "regex mismatch",
			whitelist: []string{`/^([a-z]+\.)?example\.com$/`},
			host:      "example.org",
			wantErr:   true,
		},
		{
			name:      "second entry matches",
			whitelist: []string{"other.com", "example.com"},
			host:      "example.com",
			want:      "example.com",
		},
		{
			name:    "no whitelist configured",
			host:    "example.com",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewRequest(&ClientRequest{
				Headers: map[string][]string{"Host": {tt.host}},
			}, tt.whitelist)

			host, err := req.Host()
			if tt.wantErr {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, host)
		})
	}
}

func TestRequestCookiePrecedence(t *testing.T) {
	t.Run("parsed map wins over header", func(t *testing.T) {
		req := NewRequest(&ClientRequest{
			Headers: map[string][]string{"Cookie": {"session=from-header"}},
			Cookies: map[string]string{"session": "from-map"},
		}, nil)
		assert.Equal(t, "from-map", req.Cookies()["session"])
	})

	t.Run("header parsed when no map", func(t *testing.T) {
		req := NewRequest(&ClientRequest{
			Headers: map[string][]string{"Cookie": {"session=abc; theme=dark"}},
		}, nil)
		assert.Equal(t, "abc", req.Cookies()["session"])
		assert.Equal(t, "dark", req.Cookies()["theme"])
	})

	t.Run("empty without either", func(t *testing.T) {
		req := NewRequest(&ClientRequest{}, nil)
		assert.Empty(t, req.Cookies())
	})
}

func TestInfoSerializeShape(t *testing.T) {
	info := NewInfo(
		&ClientRequest{
			Protocol: "https:",
			Headers:  map[string][]string{"Host": {"example.com"}},
			Query:    map[string][]string{"page": {"2"}},
			Path:     "/posts",
			Method:   "GET",
		},
		&ClientResponse{StatusCode: 200},
		[]string{"example.com"},
		map[string]interface{}{"requestID": "r-1"},
	)
	info.Shoebox["cache"] = "warm"

	tuple := info.Serialize()
	require.Len(t, tuple, 4)
	assert.NotNil(t, tuple[0])
	assert.NotNil(t, tuple[1])
	assert.NotNil(t, tuple[2])
	assert.Equal(t, map[string]interface{}{"cache": "warm"}, tuple[3])

	// The tuple must survive the JSON boundary into the execution context.
	raw, err := sonic.Marshal(tuple)
	require.NoError(t, err)
	var decoded []interface{}
	require.NoError(t, sonic.Unmarshal(raw, &decoded))

	round, err := DeserializeInfo(decoded)
	require.NoError(t, err)
	require.NotNil(t, round.Request)
	assert.Equal(t, "https:", round.Request.Protocol)
	assert.Equal(t, "/posts", round.Request.Path)
	assert.Equal(t, []string{"2"}, round.Request.Query["page"])
	assert.Equal(t, 200, round.Response.StatusCode)
	assert.Equal(t, "r-1", round.Metadata["requestID"])
	assert.Equal(t, "warm", round.Shoebox["cache"])

	host, err := round.Request.Host()
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
}

func TestInfoSerializeAbsentSlots(t *testing.T) {
	info := NewInfo(nil, nil, nil, nil)
	tuple := info.Serialize()
	require.Len(t, tuple, 4)
	assert.Nil(t, tuple[0])
	assert.NotNil(t, tuple[1], "response always defaults to 200")
}

func TestDeserializeInfoRejectsBadTuples(t *testing.T) {
	_, err := DeserializeInfo([]interface{}{nil, nil})
	require.Error(t, err)

	_, err = DeserializeInfo([]interface{}{"not-a-request", nil, nil, nil})
	require.Error(t, err)
}

func TestInfoDeferredChainRunsInOrder(t *testing.T) {
	info := NewInfo(nil, nil, nil, nil)

	var order []int
	info.DeferRendering(func(context.Context) error {
		order = append(order, 1)
		// Work registered while draining still runs, after everything
		// already queued.
		info.DeferRendering(func(context.Context) error {
			order = append(order, 3)
			return nil
		})
		return nil
	})
	info.DeferRendering(func(context.Context) error {
		order = append(order, 2)
		return nil
	})

	require.NoError(t, info.AwaitDeferred(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestInfoDeferredChainStopsOnError(t *testing.T) {
	info := NewInfo(nil, nil, nil, nil)
	boom := errors.New("boom")

	var ran []string
	info.DeferRendering(func(context.Context) error {
		ran = append(ran, "first")
		return boom
	})
	info.DeferRendering(func(context.Context) error {
		ran = append(ran, "second")
		return nil
	})

	assert.ErrorIs(t, info.AwaitDeferred(context.Background()), boom)
	assert.Equal(t, []string{"first"}, ran)
}

func TestEscapeShoeboxJSON(t *testing.T) {
	raw, err := sonic.Marshal(map[string]string{
		"nastyScriptCase": "</script><script>alert('owned');</script>",
	})
	require.NoError(t, err)

	escaped := EscapeShoeboxJSON(string(raw))
	assert.NotContains(t, escaped, "<")
	assert.NotContains(t, escaped, ">")
	assert.NotContains(t, escaped, "&")
	assert.Contains(t, escaped, `\u003c/script\u003e`)
	assert.Contains(t, escaped, `\u003cscript\u003e`)
	assert.Contains(t, escaped, "alert('owned');")
}
