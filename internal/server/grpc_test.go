package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/progress"
	"github.com/joseph-ayodele/docextract/internal/repository/repotest"
)

func newGRPCClient(t *testing.T, streamer *progress.Streamer) (*ProgressClient, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv, _ := NewGRPCServer(NewProgressService(streamer, repotest.Logger()), repotest.Logger())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewProgressClient(conn), conn
}

func TestGRPCGetProgress(t *testing.T) {
	_, jobs := repotest.NewSQLite(t)
	pub := progress.NewMemoryPublisher(time.Hour, nil)
	streamer := progress.NewStreamer(pub, jobs, progress.StreamConfig{PollInterval: 10 * time.Millisecond}, repotest.Logger())
	client, conn := newGRPCClient(t, streamer)

	id := uuid.New()
	require.NoError(t, pub.Set(context.Background(), entity.Snapshot{
		JobID: id, Stage: constants.StageOCRProcessing, Progress: 30, CurrentFile: "a.pdf",
	}))

	snap, err := client.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, snap.JobID)
	assert.Equal(t, constants.StageOCRProcessing, snap.Stage)
	assert.Equal(t, "Recognizing text", snap.StageText)
	assert.Equal(t, 30, snap.Progress)
	assert.Equal(t, "a.pdf", snap.CurrentFile)

	_, err = client.Get(context.Background(), uuid.New())
	assert.Equal(t, codes.NotFound, status.Code(err))

	hc, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: progressServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())
}

func TestGRPCWatchProgress(t *testing.T) {
	_, jobs := repotest.NewSQLite(t)
	pub := progress.NewMemoryPublisher(time.Hour, nil)
	streamer := progress.NewStreamer(pub, jobs, progress.StreamConfig{PollInterval: 10 * time.Millisecond, IdleTimeout: 5 * time.Second}, repotest.Logger())
	client, _ := newGRPCClient(t, streamer)

	id := uuid.New()
	ctx := context.Background()
	require.NoError(t, pub.Set(ctx, entity.Snapshot{JobID: id, Stage: constants.StageExtracting, Progress: 50}))

	var seen []entity.Snapshot
	err := client.Watch(ctx, id, func(s entity.Snapshot) {
		seen = append(seen, s)
		if len(seen) == 1 {
			_ = pub.Set(ctx, entity.Snapshot{JobID: id, Stage: constants.StageCompleted, Progress: 100})
		}
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(seen), 2)
	assert.Equal(t, 50, seen[0].Progress)
	assert.Equal(t, constants.StageCompleted, seen[len(seen)-1].Stage)
}

func TestGRPCRejectsBadJobID(t *testing.T) {
	_, jobs := repotest.NewSQLite(t)
	streamer := progress.NewStreamer(progress.NewMemoryPublisher(time.Hour, nil), jobs, progress.StreamConfig{}, repotest.Logger())
	_, conn := newGRPCClient(t, streamer)

	req := &structpb.Struct{Fields: map[string]*structpb.Value{"jobId": structpb.NewStringValue("nope")}}
	err := conn.Invoke(context.Background(), getProgressMethod, req, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
