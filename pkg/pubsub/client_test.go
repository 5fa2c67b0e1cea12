package pubsub

import (
	"context"
	"strings"
	"testing"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"

	"github.com/angelmondragon/crumb-backend/pkg/config"
)

func TestTopicResourceName(t *testing.T) {
	cases := []struct {
		project string
		name    string
		want    string
	}{
		{"crumb-prod", "crumb-notifications", "projects/crumb-prod/topics/crumb-notifications"},
		{"crumb-prod", " projects/other/topics/x ", "projects/other/topics/x"},
		{"", "crumb-notifications", ""},
		{"crumb-prod", "  ", ""},
	}
	for _, tc := range cases {
		if got := topicResourceName(tc.project, tc.name); got != tc.want {
			t.Fatalf("topicResourceName(%q, %q) = %q, want %q", tc.project, tc.name, got, tc.want)
		}
	}
}

func TestTopicNamesSkipsBlank(t *testing.T) {
	names := topicNames(config.PubSubConfig{OrdersTopic: "orders", NotificationTopic: " "})
	if len(names) != 1 || names[0] != "orders" {
		t.Fatalf("unexpected topics %v", names)
	}
}

func TestPublisherNilClient(t *testing.T) {
	var c *Client
	if c.Publisher("orders") != nil {
		t.Fatal("expected nil publisher")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func newEmulatedClient(t *testing.T, topics ...string) (*Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	t.Setenv("PUBSUB_EMULATOR_HOST", srv.Addr)

	for _, topic := range topics {
		if _, err := srv.GServer.CreateTopic(context.Background(), &pubsubpb.Topic{Name: topicResourceName("crumb-test", topic)}); err != nil {
			t.Fatalf("create topic %s: %v", topic, err)
		}
	}
	client, err := NewClient(context.Background(),
		config.GCPConfig{ProjectID: "crumb-test"},
		config.PubSubConfig{OrdersTopic: "orders", NotificationTopic: "notifications"},
		nil,
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, srv
}

func TestNewClientFailsOnMissingTopic(t *testing.T) {
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	t.Setenv("PUBSUB_EMULATOR_HOST", srv.Addr)

	_, err := NewClient(context.Background(),
		config.GCPConfig{ProjectID: "crumb-test"},
		config.PubSubConfig{OrdersTopic: "orders"},
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing topic error, got %v", err)
	}
}

func TestPublisherIsSharedAndFlushedOnClose(t *testing.T) {
	client, srv := newEmulatedClient(t, "orders", "notifications")

	pub := client.Publisher("notifications")
	if pub == nil || client.Publisher("notifications") != pub {
		t.Fatal("expected one shared publisher per topic")
	}
	ctx := context.Background()
	if _, err := pub.Publish(ctx, &gcppubsub.Message{Data: []byte(`{}`)}).Get(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(srv.Messages()); got != 1 {
		t.Fatalf("expected 1 message on the fake server, got %d", got)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if client.Publisher("notifications") != nil {
		t.Fatal("closed client should not hand out publishers")
	}
	if err := client.Close(); err == nil {
		t.Fatal("second close should report the client is closed")
	}
}
