package mongo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/driveline-ai/driveline/runtime/memory"
)

var (
	setupOnce    sync.Once
	testClient   *mongodriver.Client
	testSetupErr error
)

func setupMongo() {
	ctx := context.Background()

	var container testcontainers.Container
	func() {
		defer func() {
			if r := recover(); r != nil {
				testSetupErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		container, testSetupErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if testSetupErr != nil {
		return
	}

	host, err := container.Host(ctx)
	if err != nil {
		testSetupErr = err
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		testSetupErr = err
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testClient, err = mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(uri))
	if err != nil {
		testSetupErr = err
		return
	}
	if err := testClient.Ping(ctx, nil); err != nil {
		testSetupErr = err
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	setupOnce.Do(setupMongo)
	if testSetupErr != nil {
		t.Skipf("docker not available: %v", testSetupErr)
	}

	db := fmt.Sprintf("driveline_memory_%s", uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = testClient.Database(db).Drop(context.Background())
	})

	store, err := NewStore(Options{Client: testClient, Database: db})
	require.NoError(t, err)
	return store
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := memory.ConversationID(uuid.New())
	m := memory.Memory{
		ConversationID: conv,
		Slots:          map[string]string{"budget": "30000", "model": "camry"},
		State:          "narrowing",
	}
	m.RecordTurn("customer", "do you have a camry under 30k", time.Now().UTC())
	m.NoteVehicle(memory.VehicleRef{
		ID: uuid.New(), Year: 2022, Make: "Toyota", Model: "Camry", Price: 27500,
	})

	require.NoError(t, store.Save(ctx, m))

	loaded, err := store.Load(ctx, conv)
	require.NoError(t, err)
	require.Equal(t, conv, loaded.ConversationID)
	require.Equal(t, m.Slots, loaded.Slots)
	require.Equal(t, m.State, loaded.State)
	require.Len(t, loaded.Turns, 1)
	require.NotNil(t, loaded.LastVehicle)
	require.Equal(t, "Camry", loaded.LastVehicle.Model)
	require.False(t, loaded.UpdatedAt.IsZero())
}

func TestLoadMissingReturnsEmpty(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.Load(context.Background(), "lead:missing")
	require.NoError(t, err)
	require.Equal(t, "lead:missing", loaded.ConversationID)
	require.Empty(t, loaded.Turns)
	require.Empty(t, loaded.Slots)
}

func TestLoadFiltersExpiredRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := memory.ConversationID(uuid.New())
	past := time.Now().UTC().Add(-2 * memory.TTL)
	store.now = func() time.Time { return past }
	require.NoError(t, store.Save(ctx, memory.Memory{
		ConversationID: conv,
		State:          "greeting",
	}))

	// The TTL reaper may lag; Load must filter the record regardless.
	store.now = time.Now
	loaded, err := store.Load(ctx, conv)
	require.NoError(t, err)
	require.Empty(t, loaded.State)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := memory.ConversationID(uuid.New())
	require.NoError(t, store.Save(ctx, memory.Memory{ConversationID: conv, State: "greeting"}))
	require.NoError(t, store.Delete(ctx, conv))
	require.NoError(t, store.Delete(ctx, conv))

	loaded, err := store.Load(ctx, conv)
	require.NoError(t, err)
	require.Empty(t, loaded.State)
}
