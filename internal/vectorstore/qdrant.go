package vectorstore

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/rageval/internal/rag"
)

const defaultGRPCPort = 6334

// Payload keys written by the ingestion job
const (
	keySourceFile = "source_file"
	keyPage       = "page"
	keyTitle      = "title"
	keyText       = "text"
	keySummary    = "summary"
	keyKeywords   = "keywords"
)

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	// URL is "host:port", or "http(s)://host:port". https enables TLS.
	URL    string
	APIKey string

	// Timeout bounds each call. Zero means only the caller's context applies.
	Timeout time.Duration
}

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client  *qdrant.Client
	timeout time.Duration
}

// NewQdrantStore creates a new Qdrant vector store client
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, timeout: cfg.Timeout}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CollectionExists checks if a collection exists
func (s *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, classify(fmt.Errorf("failed to check collection existence: %w", err))
	}

	return exists, nil
}

// Search performs similarity search
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, limit int) ([]rag.Candidate, error) {
	if limit <= 0 {
		return nil, rag.Errorf(rag.ErrRetrieval, "search limit must be positive, got %d", limit)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to search %s: %w", collection, err))
	}

	results := make([]rag.Candidate, 0, len(response))
	for _, point := range response {
		payload, err := decodePayload(point.GetPayload())
		if err != nil {
			return nil, rag.Wrap(rag.ErrRetrieval, fmt.Errorf("point %s: %w", pointID(point.GetId()), err))
		}
		results = append(results, rag.Candidate{
			ID:      pointID(point.GetId()),
			Score:   point.GetScore(),
			Payload: payload,
		})
	}

	return results, nil
}

// Retrieve fetches points by id, payload only
func (s *QdrantStore) Retrieve(ctx context.Context, collection string, ids []string) ([]rag.Candidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = newPointID(id)
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to retrieve points from %s: %w", collection, err))
	}

	results := make([]rag.Candidate, 0, len(points))
	for _, point := range points {
		payload, err := decodePayload(point.GetPayload())
		if err != nil {
			return nil, rag.Wrap(rag.ErrRetrieval, fmt.Errorf("point %s: %w", pointID(point.GetId()), err))
		}
		results = append(results, rag.Candidate{ID: pointID(point.GetId()), Payload: payload})
	}
	return results, nil
}

// classify tags a gRPC failure with the matching pipeline error kind.
func classify(err error) error {
	if status.Code(err) == codes.NotFound {
		return rag.Wrap(rag.ErrNotFound, err)
	}
	return rag.Wrap(rag.ErrRetrieval, err)
}

// parseQdrantURL accepts "host", "host:port" and "scheme://host:port".
func parseQdrantURL(raw string) (host string, port int, useTLS bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, false, rag.Errorf(rag.ErrConfiguration, "qdrant url is empty")
	}

	hostport := raw
	if strings.Contains(raw, "://") {
		u, perr := url.Parse(raw)
		if perr != nil {
			return "", 0, false, rag.Wrap(rag.ErrConfiguration, fmt.Errorf("invalid qdrant url: %w", perr))
		}
		useTLS = u.Scheme == "https"
		hostport = u.Host
	}

	host, portStr, splitErr := net.SplitHostPort(hostport)
	if splitErr != nil {
		// If no port specified, assume default
		return hostport, defaultGRPCPort, useTLS, nil
	}

	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false, rag.Wrap(rag.ErrConfiguration, fmt.Errorf("invalid port in qdrant url: %w", err))
	}
	return host, port, useTLS, nil
}

// newPointID maps an id string to a numeric id when it parses as one, else a UUID.
func newPointID(id string) *qdrant.PointId {
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return qdrant.NewIDNum(n)
	}
	return qdrant.NewIDUUID(id)
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

// decodePayload converts a Qdrant payload into the typed chunk metadata.
func decodePayload(payload map[string]*qdrant.Value) (rag.Payload, error) {
	p := rag.Payload{
		SourceFile: payload[keySourceFile].GetStringValue(),
		Title:      payload[keyTitle].GetStringValue(),
		Text:       payload[keyText].GetStringValue(),
		Summary:    payload[keySummary].GetStringValue(),
	}

	if v, ok := payload[keyPage]; ok {
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_IntegerValue:
			page := int(kind.IntegerValue)
			p.Page = &page
		case *qdrant.Value_DoubleValue:
			page := int(kind.DoubleValue)
			p.Page = &page
		case *qdrant.Value_StringValue:
			if page, err := strconv.Atoi(kind.StringValue); err == nil {
				p.Page = &page
			}
		}
	}

	if v, ok := payload[keyKeywords]; ok {
		if list := v.GetListValue(); list != nil {
			for _, kw := range list.GetValues() {
				if s := kw.GetStringValue(); s != "" {
					p.Keywords = append(p.Keywords, s)
				}
			}
		} else if s := v.GetStringValue(); s != "" {
			for _, kw := range strings.Split(s, ",") {
				if kw = strings.TrimSpace(kw); kw != "" {
					p.Keywords = append(p.Keywords, kw)
				}
			}
		}
	}

	if err := p.Validate(); err != nil {
		return rag.Payload{}, err
	}
	return p, nil
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
