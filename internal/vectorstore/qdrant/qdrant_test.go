package qdrant

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"ragchat/internal/domain"
	"ragchat/internal/vectorstore"
)

// fakeCollection is one collection held by the in-process Qdrant stand-in.
type fakeCollection struct {
	size   uint64
	points []*pb.PointStruct
}

// fakeState is the shared content of the stand-in: collections, aliases and
// injected failures.
type fakeState struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
	aliases     map[string]string
	deletes     int
	apiKeys     []string

	failUpsert bool
	failCount  bool
	failSwap   bool
}

func newFakeState() *fakeState {
	return &fakeState{collections: map[string]*fakeCollection{}, aliases: map[string]string{}}
}

func (st *fakeState) sawKey(ctx context.Context) {
	md, _ := metadata.FromIncomingContext(ctx)
	st.apiKeys = append(st.apiKeys, md.Get("api-key")...)
}

// lookup resolves an alias or collection name. Callers hold mu.
func (st *fakeState) lookup(name string) (*fakeCollection, error) {
	if target, ok := st.aliases[name]; ok {
		name = target
	}
	c, ok := st.collections[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "collection %s not found", name)
	}
	return c, nil
}

// live returns the content the alias currently serves.
func (st *fakeState) live(alias string) []*pb.PointStruct {
	st.mu.Lock()
	defer st.mu.Unlock()
	c, err := st.lookup(alias)
	if err != nil {
		return nil
	}
	return c.points
}

func (st *fakeState) collectionCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.collections)
}

type fakeCollections struct {
	pb.UnimplementedCollectionsServer
	st *fakeState
}

func (f *fakeCollections) CollectionExists(ctx context.Context, req *pb.CollectionExistsRequest) (*pb.CollectionExistsResponse, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	f.st.sawKey(ctx)
	_, ok := f.st.collections[req.GetCollectionName()]
	return &pb.CollectionExistsResponse{Result: &pb.CollectionExists{Exists: ok}}, nil
}

func (f *fakeCollections) ListAliases(ctx context.Context, req *pb.ListAliasesRequest) (*pb.ListAliasesResponse, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	f.st.sawKey(ctx)
	out := &pb.ListAliasesResponse{}
	for alias, target := range f.st.aliases {
		out.Aliases = append(out.Aliases, &pb.AliasDescription{AliasName: alias, CollectionName: target})
	}
	return out, nil
}

func (f *fakeCollections) Get(ctx context.Context, req *pb.GetCollectionInfoRequest) (*pb.GetCollectionInfoResponse, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	c, err := f.st.lookup(req.GetCollectionName())
	if err != nil {
		return nil, err
	}
	return &pb.GetCollectionInfoResponse{Result: &pb.CollectionInfo{
		Config: &pb.CollectionConfig{Params: &pb.CollectionParams{
			VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
				Size:     c.size,
				Distance: pb.Distance_Cosine,
			}}},
		}},
	}}, nil
}

func (f *fakeCollections) Create(ctx context.Context, req *pb.CreateCollection) (*pb.CollectionOperationResponse, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	name := req.GetCollectionName()
	if _, ok := f.st.collections[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "collection %s exists", name)
	}
	f.st.collections[name] = &fakeCollection{size: req.GetVectorsConfig().GetParams().GetSize()}
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func (f *fakeCollections) Delete(ctx context.Context, req *pb.DeleteCollection) (*pb.CollectionOperationResponse, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	name := req.GetCollectionName()
	if _, ok := f.st.collections[name]; !ok {
		return &pb.CollectionOperationResponse{Result: false}, nil
	}
	f.st.deletes++
	delete(f.st.collections, name)
	for alias, target := range f.st.aliases {
		if target == name {
			delete(f.st.aliases, alias)
		}
	}
	return &pb.CollectionOperationResponse{Result: true}, nil
}

// UpdateAliases applies all actions or none of them.
func (f *fakeCollections) UpdateAliases(ctx context.Context, req *pb.ChangeAliases) (*pb.CollectionOperationResponse, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if f.st.failSwap {
		return nil, status.Error(codes.Unavailable, "alias update rejected")
	}
	next := make(map[string]string, len(f.st.aliases))
	for k, v := range f.st.aliases {
		next[k] = v
	}
	for _, op := range req.GetActions() {
		switch {
		case op.GetDeleteAlias() != nil:
			name := op.GetDeleteAlias().GetAliasName()
			if _, ok := next[name]; !ok {
				return nil, status.Errorf(codes.NotFound, "alias %s not found", name)
			}
			delete(next, name)
		case op.GetCreateAlias() != nil:
			ca := op.GetCreateAlias()
			if _, ok := next[ca.GetAliasName()]; ok {
				return nil, status.Errorf(codes.AlreadyExists, "alias %s exists", ca.GetAliasName())
			}
			if _, ok := f.st.collections[ca.GetAliasName()]; ok {
				return nil, status.Errorf(codes.AlreadyExists, "collection %s exists", ca.GetAliasName())
			}
			if _, ok := f.st.collections[ca.GetCollectionName()]; !ok {
				return nil, status.Errorf(codes.NotFound, "collection %s not found", ca.GetCollectionName())
			}
			next[ca.GetAliasName()] = ca.GetCollectionName()
		}
	}
	f.st.aliases = next
	return &pb.CollectionOperationResponse{Result: true}, nil
}

type fakePoints struct {
	pb.UnimplementedPointsServer
	st *fakeState
}

func (f *fakePoints) Upsert(ctx context.Context, req *pb.UpsertPoints) (*pb.PointsOperationResponse, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if f.st.failUpsert {
		return nil, status.Error(codes.Internal, "upsert rejected")
	}
	c, err := f.st.lookup(req.GetCollectionName())
	if err != nil {
		return nil, err
	}
	c.points = append(c.points, req.GetPoints()...)
	return &pb.PointsOperationResponse{Result: &pb.UpdateResult{}}, nil
}

func (f *fakePoints) Count(ctx context.Context, req *pb.CountPoints) (*pb.CountResponse, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if f.st.failCount {
		return nil, status.Error(codes.DeadlineExceeded, "count timed out")
	}
	c, err := f.st.lookup(req.GetCollectionName())
	if err != nil {
		return nil, err
	}
	return &pb.CountResponse{Result: &pb.CountResult{Count: uint64(len(c.points))}}, nil
}

func (f *fakePoints) Scroll(ctx context.Context, req *pb.ScrollPoints) (*pb.ScrollResponse, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	c, err := f.st.lookup(req.GetCollectionName())
	if err != nil {
		return nil, err
	}
	var out []*pb.RetrievedPoint
	for _, p := range c.points {
		if uint32(len(out)) >= req.GetLimit() {
			break
		}
		out = append(out, &pb.RetrievedPoint{Id: p.GetId(), Payload: p.GetPayload()})
	}
	return &pb.ScrollResponse{Result: out}, nil
}

// Search returns ties in reverse insertion order so the client has to reorder them.
func (f *fakePoints) Search(ctx context.Context, req *pb.SearchPoints) (*pb.SearchResponse, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	c, err := f.st.lookup(req.GetCollectionName())
	if err != nil {
		return nil, err
	}
	out := make([]*pb.ScoredPoint, 0, len(c.points))
	for _, p := range c.points {
		out = append(out, &pb.ScoredPoint{
			Id:      p.GetId(),
			Payload: p.GetPayload(),
			Score:   float32(vectorstore.Cosine(req.GetVector(), p.GetVectors().GetVector().GetData())),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].GetId().GetNum() > out[j].GetId().GetNum()
	})
	if uint64(len(out)) > req.GetLimit() {
		out = out[:req.GetLimit()]
	}
	return &pb.SearchResponse{Result: out}, nil
}

func newTestStorage(t *testing.T, cfg Config) (*Storage, *fakeState) {
	t.Helper()
	st := newFakeState()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	pb.RegisterCollectionsServer(srv, &fakeCollections{st: st})
	pb.RegisterPointsServer(srv, &fakePoints{st: st})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg.Host = "passthrough:///bufnet"
	if cfg.Collection == "" {
		cfg.Collection = "rag"
	}
	s, err := NewStorage(cfg, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, st
}

func entries() []domain.IndexEntry {
	return []domain.IndexEntry{
		{Chunk: domain.Chunk{ID: "a", Source: "faq.md", Content: "north", StartIndex: 0, Position: 0}, Vector: []float32{0, 1}},
		{Chunk: domain.Chunk{ID: "b", Source: "faq.md", Content: "east", StartIndex: 6, Position: 1}, Vector: []float32{1, 0}},
		{Chunk: domain.Chunk{ID: "c", Source: "faq.md", Content: "north again", StartIndex: 11, Position: 2}, Vector: []float32{0, 2}},
	}
}

func TestNewStorage_RequiresCollection(t *testing.T) {
	_, err := NewStorage(Config{})
	assert.Error(t, err)
}

func TestPayloadRoundTrip(t *testing.T) {
	c := domain.Chunk{ID: "id-1", Source: "doc.txt", Content: "Cats are mammals.", StartIndex: 42, Position: 3}
	p := toPayload(c, "hashing:8")
	assert.Equal(t, "hashing:8", p[fieldEmbedder].GetStringValue())
	assert.Equal(t, c, fromPayload(p))

	pt := toPoint(7, domain.IndexEntry{Chunk: c, Vector: []float32{1, 2}}, "hashing:8")
	assert.Equal(t, uint64(7), pt.GetId().GetNum())
	assert.Equal(t, []float32{1, 2}, pt.GetVectors().GetVector().GetData())
}

func TestLoad_MissingCollection(t *testing.T) {
	s, _ := newTestStorage(t, Config{})
	ix, err := s.Load(context.Background(), "hashing:2")
	require.NoError(t, err)
	assert.Nil(t, ix)
}

func TestBuildLoadSearch(t *testing.T) {
	ctx := context.Background()
	s, st := newTestStorage(t, Config{BatchSize: 2, APIKey: "secret"})

	ix, err := s.Build(ctx, entries(), "hashing:2", true)
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Len())
	assert.Len(t, st.live("rag"), 3)
	assert.Contains(t, st.apiKeys, "secret")

	loaded, err := s.Load(ctx, "hashing:2")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 3, loaded.Len())

	res, err := loaded.Search(ctx, []float32{0, 1}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "north", res[0].Chunk.Content, "ties keep insertion order")
	assert.Equal(t, "north again", res[1].Chunk.Content)
	assert.InDelta(t, 1.0, res[0].Score, 1e-6)
	assert.Equal(t, 11, res[1].Chunk.StartIndex)
}

func TestBuild_ReuseAndForce(t *testing.T) {
	ctx := context.Background()
	s, st := newTestStorage(t, Config{})

	_, err := s.Build(ctx, entries(), "hashing:2", true)
	require.NoError(t, err)
	require.Equal(t, 1, st.collectionCount())

	ix, err := s.Build(ctx, entries()[:1], "hashing:2", false)
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Len())
	assert.Equal(t, 0, st.deletes, "compatible collection is reused")

	ix, err = s.Build(ctx, entries()[:1], "hashing:2", true)
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Len())
	assert.Len(t, st.live("rag"), 1)
	assert.Equal(t, 1, st.deletes, "previous collection is dropped after the swap")
	assert.Equal(t, 1, st.collectionCount())
}

func TestBuild_FailedRebuildKeepsPreviousIndex(t *testing.T) {
	tests := []struct {
		name   string
		inject func(st *fakeState)
	}{
		{"upsert fails", func(st *fakeState) { st.failUpsert = true }},
		{"alias swap fails", func(st *fakeState) { st.failSwap = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, st := newTestStorage(t, Config{})
			old, err := s.Build(ctx, entries(), "hashing:2", true)
			require.NoError(t, err)

			st.mu.Lock()
			tt.inject(st)
			st.mu.Unlock()
			_, err = s.Build(ctx, entries()[:1], "hashing:2", true)
			require.Error(t, err)

			res, err := old.Search(ctx, []float32{0, 1}, 3)
			require.NoError(t, err)
			assert.Len(t, res, 3)

			loaded, err := s.Load(ctx, "hashing:2")
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, 3, loaded.Len())
			assert.Equal(t, 1, st.collectionCount(), "the partial collection is dropped")
		})
	}
}

func TestBuild_ReplacesPlainCollection(t *testing.T) {
	ctx := context.Background()
	s, st := newTestStorage(t, Config{})
	st.collections["rag"] = &fakeCollection{size: 2, points: []*pb.PointStruct{
		toPoint(0, entries()[1], "hashing:2"),
	}}

	loaded, err := s.Load(ctx, "hashing:2")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 1, loaded.Len())

	ix, err := s.Build(ctx, entries(), "hashing:2", true)
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Len())
	assert.Len(t, st.live("rag"), 3)
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.NotContains(t, st.collections, "rag")
	assert.Contains(t, st.aliases, "rag")
}

func TestLoad_TransportErrorIsNotCorruption(t *testing.T) {
	ctx := context.Background()
	s, st := newTestStorage(t, Config{})
	_, err := s.Build(ctx, entries(), "hashing:2", true)
	require.NoError(t, err)

	st.mu.Lock()
	st.failCount = true
	st.mu.Unlock()
	_, err = s.Load(ctx, "hashing:2")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrIndexCorrupt)
}

func TestLoad_EmbedderMismatch(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t, Config{})
	_, err := s.Build(ctx, entries(), "hashing:2", true)
	require.NoError(t, err)

	_, err = s.Load(ctx, "ollama:nomic-embed-text")
	assert.ErrorIs(t, err, domain.ErrIndexCorrupt)
}

func TestBuild_RejectsBadEntries(t *testing.T) {
	s, _ := newTestStorage(t, Config{})
	_, err := s.Build(context.Background(), nil, "hashing:2", true)
	assert.ErrorIs(t, err, domain.ErrEmbedding)

	bad := []domain.IndexEntry{{Vector: []float32{1, 0}}, {Vector: []float32{1}}}
	_, err = s.Build(context.Background(), bad, "hashing:2", true)
	assert.ErrorIs(t, err, domain.ErrEmbedding)
}

func TestSearch_Guards(t *testing.T) {
	ctx := context.Background()
	var zero *Index
	_, err := zero.Search(ctx, []float32{1}, 1)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	s, _ := newTestStorage(t, Config{})
	ix, err := s.Build(ctx, entries(), "hashing:2", true)
	require.NoError(t, err)

	_, err = ix.Search(ctx, []float32{1, 0, 0}, 1)
	assert.ErrorIs(t, err, domain.ErrEmbedding)

	res, err := ix.Search(ctx, []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, res)
}
