package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/catalog"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/config"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed/spool"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthenticatorRequiresAConfiguredMethod(t *testing.T) {
	_, err := NewAuthenticator(context.Background(), config.Defaults())
	assert.Error(t, err)
}

func TestNewAuthenticatorAcceptsIssuedTokens(t *testing.T) {
	cfg := config.Defaults()
	cfg.JWTSecret = "test-secret-32-bytes-long-xxxxx"

	signer, err := NewSigner(cfg)
	require.NoError(t, err)
	token, err := signer.Issue("alice", time.Minute)
	require.NoError(t, err)

	a, err := NewAuthenticator(context.Background(), cfg)
	require.NoError(t, err)
	p, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)

	cfg.JWKSURL = "http://127.0.0.1:1/.well-known/jwks.json"
	a, err = NewAuthenticator(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, a.(auth.Chain), 2)
}

func TestNewDeadLettersFallsBackToSpool(t *testing.T) {
	cfg := config.Defaults()
	cfg.DeadLetterSpoolPath = filepath.Join(t.TempDir(), "spool")

	dl, err := NewDeadLetters(cfg)
	require.NoError(t, err)
	defer dl.Close()
	_, ok := dl.Sink.(*spool.Badger)
	assert.True(t, ok)

	batch := feed.DeadLetterBatch{Group: "processor", Events: []feed.Event{{Seq: 1, CreatedBy: "alice", ID: "A"}}}
	require.NoError(t, dl.Sink.Send(context.Background(), batch))
	n, err := dl.Source.Drain(context.Background(), func(context.Context, feed.DeadLetterBatch) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewCatalogHTTP(t *testing.T) {
	cfg := config.Defaults()
	cfg.CatalogLoader = "http"
	cfg.StacURL = "http://stac.example.com"

	c, err := NewCatalog(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()
	_, ok := c.Loader.(*catalog.HTTPLoader)
	assert.True(t, ok)
}

func TestNewNotifierDisabledWithoutTopic(t *testing.T) {
	n, closeFn := NewNotifier(config.Defaults(), "ingestor-worker")
	assert.Nil(t, n)
	assert.NoError(t, closeFn())
}

func TestFeedOptionsFollowConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.FeedBatchSize = 50
	opts := FeedOptions(cfg)
	assert.Equal(t, 50, opts.BatchSize)
	assert.Equal(t, cfg.FeedBatchWindow, opts.Window)
	assert.Equal(t, cfg.FeedConsumerGroup, opts.Group)

	r := ReconcileOptions(cfg)
	assert.Equal(t, cfg.FeedRetention, r.Retention)
}
