package vectorstore

import (
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/rageval/internal/rag"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		raw  string
		host string
		port int
		tls  bool
	}{
		{"localhost:6334", "localhost", 6334, false},
		{"qdrant", "qdrant", 6334, false},
		{"http://qdrant:7000", "qdrant", 7000, false},
		{"https://xyz.cloud.qdrant.io:6334", "xyz.cloud.qdrant.io", 6334, true},
		{"https://xyz.cloud.qdrant.io", "xyz.cloud.qdrant.io", 6334, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestParseQdrantURLErrors(t *testing.T) {
	_, _, _, err := parseQdrantURL("")
	assert.ErrorIs(t, err, rag.ErrConfiguration)

	_, _, _, err = parseQdrantURL("localhost:port")
	assert.ErrorIs(t, err, rag.ErrConfiguration)
}

func TestPointIDRoundTrip(t *testing.T) {
	uuid := "5c56c793-69f3-4fbf-87e6-c4bf54c28c26"
	assert.Equal(t, uuid, pointID(newPointID(uuid)))
	assert.Equal(t, "42", pointID(newPointID("42")))
	assert.Equal(t, uint64(42), newPointID("42").GetNum())
	assert.Equal(t, "", pointID(nil))
}

func TestDecodePayload(t *testing.T) {
	p, err := decodePayload(map[string]*qdrant.Value{
		"source_file": qdrant.NewValueString("sony_a7.pdf"),
		"page":        qdrant.NewValueInt(3),
		"title":       qdrant.NewValueString("Sony A7"),
		"text":        qdrant.NewValueString("full frame sensor"),
		"summary":     qdrant.NewValueString("camera specs"),
		"keywords":    qdrant.NewValueFromList(qdrant.NewValueString("sensor"), qdrant.NewValueString("iso")),
	})
	require.NoError(t, err)

	assert.Equal(t, "sony_a7.pdf", p.SourceFile)
	require.NotNil(t, p.Page)
	assert.Equal(t, 3, *p.Page)
	assert.Equal(t, "Sony A7", p.Title)
	assert.Equal(t, "full frame sensor", p.Text)
	assert.Equal(t, []string{"sensor", "iso"}, p.Keywords)
}

func TestDecodePayloadLenientShapes(t *testing.T) {
	p, err := decodePayload(map[string]*qdrant.Value{
		"source_file": qdrant.NewValueString("a.json"),
		"page":        qdrant.NewValueDouble(7),
		"keywords":    qdrant.NewValueString("zoom, lens ,"),
	})
	require.NoError(t, err)
	assert.Equal(t, 7, *p.Page)
	assert.Equal(t, []string{"zoom", "lens"}, p.Keywords)
	assert.Empty(t, p.Text)
}

func TestDecodePayloadMissingSource(t *testing.T) {
	_, err := decodePayload(map[string]*qdrant.Value{
		"text": qdrant.NewValueString("orphan"),
	})
	assert.Error(t, err)

	_, err = decodePayload(nil)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	notFound := classify(status.Error(codes.NotFound, "Collection `x` doesn't exist!"))
	assert.ErrorIs(t, notFound, rag.ErrNotFound)

	unavailable := classify(status.Error(codes.Unavailable, "connection refused"))
	assert.ErrorIs(t, unavailable, rag.ErrRetrieval)

	plain := classify(errors.New("boom"))
	assert.ErrorIs(t, plain, rag.ErrRetrieval)
}
