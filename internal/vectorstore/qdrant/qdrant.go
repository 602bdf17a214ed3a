// Package qdrant stores the vector index in a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"ragchat/internal/domain"
	"ragchat/internal/vectorstore"
)

const (
	fieldChunkID    = "chunk_id"
	fieldSource     = "source"
	fieldContent    = "content"
	fieldStartIndex = "start_index"
	fieldPosition   = "position"
	fieldEmbedder   = "embedder"

	defaultBatchSize = 128
	dropTimeout      = 30 * time.Second
)

// Config describes how to reach the collection.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	BatchSize  int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Storage keeps one index behind an alias named after the configured
// collection. Every build writes a fresh collection and moves the alias onto
// it in a single UpdateAliases call, so readers see either the old index or
// the new one.
type Storage struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	alias       string
	batchSize   int
	timeout     time.Duration
	log         *slog.Logger
}

var _ vectorstore.Storage = (*Storage)(nil)

// NewStorage opens a gRPC client to Qdrant. The connection is established
// lazily on the first call.
func NewStorage(cfg Config, opts ...grpc.DialOption) (*Storage, error) {
	if cfg.Collection == "" {
		return nil, errors.New("qdrant: collection name is required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	creds := insecure.NewCredentials()
	if cfg.UseTLS {
		creds = credentials.NewTLS(nil)
	}
	dial := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.APIKey != "" {
		dial = append(dial, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}
	dial = append(dial, opts...)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, dial...)
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Storage{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		alias:       cfg.Collection,
		batchSize:   cfg.BatchSize,
		timeout:     cfg.Timeout,
		log:         logger.With("component", "qdrant", "alias", cfg.Collection),
	}, nil
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func (s *Storage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// current names the collection behind the alias. A plain collection carrying
// the alias name, left by a build that predates aliases, is reported with
// legacy set. Both empty means there is no index.
func (s *Storage) current(ctx context.Context) (target string, legacy bool, err error) {
	aliases, err := s.collections.ListAliases(ctx, &pb.ListAliasesRequest{})
	if err != nil {
		return "", false, fmt.Errorf("qdrant list aliases: %w", err)
	}
	for _, a := range aliases.GetAliases() {
		if a.GetAliasName() == s.alias {
			return a.GetCollectionName(), false, nil
		}
	}
	exists, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: s.alias})
	if err != nil {
		return "", false, fmt.Errorf("qdrant collection exists: %w", err)
	}
	if exists.GetResult().GetExists() {
		return s.alias, true, nil
	}
	return "", false, nil
}

// Load inspects the aliased collection. A missing alias means there is no
// index. Transport failures are returned as they are; only content that
// cannot serve as an index is reported as domain.ErrIndexCorrupt.
func (s *Storage) Load(ctx context.Context, embedder string) (vectorstore.Index, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	target, _, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, nil
	}

	info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: target})
	if err != nil {
		return nil, fmt.Errorf("qdrant collection info: %w", err)
	}
	dimension := int(info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
	if dimension == 0 {
		return nil, fmt.Errorf("%w: collection %s has no single vector config", domain.ErrIndexCorrupt, target)
	}

	count, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: target, Exact: ptr(true)})
	if err != nil {
		return nil, fmt.Errorf("qdrant count: %w", err)
	}
	if count.GetResult().GetCount() == 0 {
		return nil, fmt.Errorf("%w: collection %s is empty", domain.ErrIndexCorrupt, target)
	}

	scroll, err := s.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: target,
		Limit:          ptr(uint32(1)),
		WithPayload:    withPayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll: %w", err)
	}
	if len(scroll.GetResult()) == 0 {
		return nil, fmt.Errorf("%w: collection %s is empty", domain.ErrIndexCorrupt, target)
	}
	if got := scroll.GetResult()[0].GetPayload()[fieldEmbedder].GetStringValue(); got != embedder {
		return nil, fmt.Errorf("%w: index built with %q, want %q", domain.ErrIndexCorrupt, got, embedder)
	}

	return &Index{
		points:     s.points,
		collection: s.alias,
		dimension:  dimension,
		count:      int(count.GetResult().GetCount()),
		timeout:    s.timeout,
	}, nil
}

// Build indexes entries into a new collection and then points the alias at
// it, unless force is false and a compatible index already exists. On
// failure the new collection is dropped and the alias keeps its old target.
func (s *Storage) Build(ctx context.Context, entries []domain.IndexEntry, embedder string, force bool) (vectorstore.Index, error) {
	if !force {
		ix, err := s.Load(ctx, embedder)
		if err == nil && ix != nil {
			return ix, nil
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries to index", domain.ErrEmbedding)
	}
	dimension, err := checkDimensions(entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbedding, err)
	}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	previous, legacy, err := s.current(tctx)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%d", s.alias, time.Now().UnixNano())
	if _, err := s.collections.Create(tctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
			Size:     uint64(dimension),
			Distance: pb.Distance_Cosine,
		}}},
	}); err != nil {
		return nil, fmt.Errorf("qdrant create collection: %w", err)
	}
	if err := s.fill(tctx, name, entries, embedder); err != nil {
		s.drop(ctx, name)
		return nil, err
	}

	// A plain collection holding the alias name blocks the alias. It is
	// removed only now that its replacement is complete.
	if legacy {
		if _, err := s.collections.Delete(tctx, &pb.DeleteCollection{CollectionName: s.alias}); err != nil {
			s.drop(ctx, name)
			return nil, fmt.Errorf("qdrant delete collection: %w", err)
		}
		previous = ""
	}

	var actions []*pb.AliasOperations
	if previous != "" {
		actions = append(actions, &pb.AliasOperations{Action: &pb.AliasOperations_DeleteAlias{
			DeleteAlias: &pb.DeleteAlias{AliasName: s.alias},
		}})
	}
	actions = append(actions, &pb.AliasOperations{Action: &pb.AliasOperations_CreateAlias{
		CreateAlias: &pb.CreateAlias{CollectionName: name, AliasName: s.alias},
	}})
	if _, err := s.collections.UpdateAliases(tctx, &pb.ChangeAliases{Actions: actions}); err != nil {
		s.drop(ctx, name)
		return nil, fmt.Errorf("qdrant update aliases: %w", err)
	}
	if previous != "" {
		s.drop(ctx, previous)
	}

	return &Index{
		points:     s.points,
		collection: s.alias,
		dimension:  dimension,
		count:      len(entries),
		timeout:    s.timeout,
	}, nil
}

func (s *Storage) fill(ctx context.Context, collection string, entries []domain.IndexEntry, embedder string) error {
	for start := 0; start < len(entries); start += s.batchSize {
		end := min(start+s.batchSize, len(entries))
		batch := make([]*pb.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, toPoint(i, entries[i], embedder))
		}
		if _, err := s.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: collection,
			Wait:           ptr(true),
			Points:         batch,
		}); err != nil {
			return fmt.Errorf("qdrant upsert: %w", err)
		}
	}
	return nil
}

// drop deletes a collection that is no longer referenced. It runs even when
// ctx is already cancelled, and a failure only leaves an orphan behind.
func (s *Storage) drop(ctx context.Context, collection string) {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = dropTimeout
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if _, err := s.collections.Delete(dctx, &pb.DeleteCollection{CollectionName: collection}); err != nil {
		s.log.Warn("could not delete collection", "collection", collection, "error", err)
	}
}

// Close closes the gRPC connection.
func (s *Storage) Close() error {
	return s.conn.Close()
}

// Index searches the collection behind the alias.
type Index struct {
	points     pb.PointsClient
	collection string
	dimension  int
	count      int
	timeout    time.Duration
}

var _ vectorstore.Index = (*Index)(nil)

// Len returns the number of points in the collection when it was opened.
func (ix *Index) Len() int { return ix.count }

// Search asks Qdrant for the nearest points and orders ties by position.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]domain.ScoredChunk, error) {
	if ix == nil || ix.points == nil {
		return nil, domain.ErrNotInitialized
	}
	if ix.count == 0 || k <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, index has %d", domain.ErrEmbedding, len(query), ix.dimension)
	}
	if ix.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ix.timeout)
		defer cancel()
	}

	resp, err := ix.points.Search(ctx, &pb.SearchPoints{
		CollectionName: ix.collection,
		Vector:         query,
		Limit:          uint64(k),
		WithPayload:    withPayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	candidates := make([]vectorstore.Ranked, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		candidates = append(candidates, vectorstore.Ranked{
			Ordinal: int(pt.GetId().GetNum()),
			Result: domain.ScoredChunk{
				Chunk: fromPayload(pt.GetPayload()),
				Score: float64(pt.GetScore()),
			},
		})
	}
	return vectorstore.TopK(candidates, k), nil
}

func checkDimensions(entries []domain.IndexEntry) (int, error) {
	dimension := len(entries[0].Vector)
	for i, e := range entries {
		if len(e.Vector) == 0 {
			return 0, fmt.Errorf("entry %d has an empty vector", i)
		}
		if len(e.Vector) != dimension {
			return 0, fmt.Errorf("entry %d has dimension %d, want %d", i, len(e.Vector), dimension)
		}
	}
	return dimension, nil
}

// toPoint uses the insertion ordinal as point ID so ties can be broken the
// same way as in the in-memory index.
func toPoint(ordinal int, e domain.IndexEntry, embedder string) *pb.PointStruct {
	return &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(ordinal)}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Vector}}},
		Payload: toPayload(e.Chunk, embedder),
	}
}

func toPayload(c domain.Chunk, embedder string) map[string]*pb.Value {
	return map[string]*pb.Value{
		fieldChunkID:    stringValue(c.ID),
		fieldSource:     stringValue(c.Source),
		fieldContent:    stringValue(c.Content),
		fieldStartIndex: intValue(c.StartIndex),
		fieldPosition:   intValue(c.Position),
		fieldEmbedder:   stringValue(embedder),
	}
}

func fromPayload(p map[string]*pb.Value) domain.Chunk {
	return domain.Chunk{
		ID:         p[fieldChunkID].GetStringValue(),
		Source:     p[fieldSource].GetStringValue(),
		Content:    p[fieldContent].GetStringValue(),
		StartIndex: int(p[fieldStartIndex].GetIntegerValue()),
		Position:   int(p[fieldPosition].GetIntegerValue()),
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(n)}}
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func ptr[T any](v T) *T { return &v }
