// Package qdrant serves exemplar similarity search from a Qdrant collection.
package qdrant

import (
	"context"
	"fmt"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nlquery/nlquery/internal/exemplar"
	"github.com/nlquery/nlquery/internal/selector"
)

const upsertBatchSize = 256

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Index mirrors the active corpus snapshot into a collection. The collection
// is rebuilt whenever a snapshot with a newer version is searched. Searches
// hold a read lock so the collection is never rebuilt under them; a snapshot
// older than the collection is answered by a linear scan.
type Index struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string

	mu      sync.RWMutex
	version int64
}

var _ selector.Index = (*Index)(nil)

func New(host string, port int, collection string) (*Index, error) {
	if collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Index{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

func newWithClients(points pointsAPI, collections collectionsAPI, collection string) *Index {
	return &Index{points: points, collections: collections, collection: collection}
}

func (i *Index) Search(ctx context.Context, snap *exemplar.Snapshot, query []float32, k int) ([]selector.Match, error) {
	for {
		i.mu.RLock()
		switch {
		case i.version == snap.Version:
			matches, err := i.search(ctx, snap, query, k)
			i.mu.RUnlock()
			return matches, err
		case i.version > snap.Version:
			i.mu.RUnlock()
			return selector.Linear{}.Search(ctx, snap, query, k)
		}
		i.mu.RUnlock()

		if err := i.sync(ctx, snap); err != nil {
			return nil, err
		}
	}
}

// search queries the collection. The caller holds mu for reading and the
// collection holds snap.
func (i *Index) search(ctx context.Context, snap *exemplar.Snapshot, query []float32, k int) ([]selector.Match, error) {
	// Over-fetch so ties at the cut-off can be resolved by corpus position.
	limit := min(snap.Len(), max(k*4, 16))
	resp, err := i.points.Search(ctx, &pb.SearchPoints{
		CollectionName: i.collection,
		Vector:         query,
		Limit:          uint64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	matches := make([]selector.Match, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		pos := int(point.GetId().GetNum())
		if pos < 0 || pos >= snap.Len() {
			return nil, fmt.Errorf("qdrant returned unknown point %d", pos)
		}
		matches = append(matches, selector.Match{
			Exemplar: snap.Exemplars[pos],
			Score:    float64(point.GetScore()),
			Position: pos,
		})
	}
	selector.SortMatches(matches)
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

func (i *Index) sync(ctx context.Context, snap *exemplar.Snapshot) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.version >= snap.Version {
		return nil
	}
	if len(snap.Vectors) == 0 {
		return fmt.Errorf("snapshot has no vectors")
	}

	// The collection is unusable until the rebuild completes.
	i.version = 0

	if _, err := i.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: i.collection}); err != nil {
		return fmt.Errorf("qdrant drop collection: %w", err)
	}
	_, err := i.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
			Size:     uint64(len(snap.Vectors[0])),
			Distance: pb.Distance_Cosine,
		}}},
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}

	wait := true
	for start := 0; start < len(snap.Vectors); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(snap.Vectors))
		points := make([]*pb.PointStruct, 0, end-start)
		for pos := start; pos < end; pos++ {
			points = append(points, &pb.PointStruct{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(pos)}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: snap.Vectors[pos]}}},
				Payload: map[string]*pb.Value{
					"exemplar_id": {Kind: &pb.Value_StringValue{StringValue: snap.Exemplars[pos].ID}},
				},
			})
		}
		if _, err := i.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: i.collection,
			Wait:           &wait,
			Points:         points,
		}); err != nil {
			return fmt.Errorf("qdrant upsert: %w", err)
		}
	}
	i.version = snap.Version
	return nil
}

func (i *Index) Close() error {
	if i.conn == nil {
		return nil
	}
	return i.conn.Close()
}
