//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/tphakala/radiotrack/internal/conf"
	"github.com/tphakala/radiotrack/internal/fingerprint"
)

func TestMySQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()

	container, err := tcmysql.Run(ctx, "mysql:8.0.36",
		tcmysql.WithDatabase("radiotrack"),
		tcmysql.WithUsername("radiotrack"),
		tcmysql.WithPassword("radiotrack"),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	engine := fingerprint.NewPeakEngine(conf.DefaultSampleRate)
	s, err := Open(conf.DatabaseSettings{
		Type: "mysql",
		MySQL: conf.MySQLSettings{
			Host:     host,
			Port:     port.Int(),
			Username: "radiotrack",
			Password: "radiotrack",
			Database: "radiotrack",
		},
	}, engine, testLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	lastWrite := time.Date(2026, 5, 1, 10, 0, 0, 900_000_000, time.UTC)
	require.NoError(t, s.UpsertTrackAndHashes(ctx, record("a", lastWrite), payloadFor(t, 1, 2, 3)))
	require.NoError(t, s.UpsertTrackAndHashes(ctx, record("b", lastWrite), payloadFor(t, 4)))

	upToDate, err := s.IsTrackUpToDate(ctx, "a", lastWrite)
	require.NoError(t, err)
	assert.True(t, upToDate)

	require.NoError(t, s.DeleteTrack(ctx, "b"))
	loaded, err := s.ReloadInMemoryModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
}
