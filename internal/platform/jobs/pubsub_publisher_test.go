package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/medina-market/api/internal/platform/requestctx"
	"github.com/medina-market/api/internal/services"
)

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	defer topic.Stop()

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	event := services.OrderEvent{
		Type:           "order.status.changed",
		OrderID:        "ord_01HZ",
		OrderNumber:    "ORD-20260301-000042",
		PreviousStatus: "pending",
		CurrentStatus:  "confirmed",
		ActorID:        "admin-1",
		OccurredAt:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	reqCtx := requestctx.WithRequestID(ctx, "req-42")
	reqCtx = requestctx.WithTrace(reqCtx, requestctx.TraceInfo{TraceID: "105445aa7843bc8bf206b12000100000"})
	if err := publisher.PublishOrderEvent(reqCtx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]
	var payload services.OrderEvent
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderNumber != event.OrderNumber || payload.CurrentStatus != "confirmed" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if msg.Attributes["type"] != "order.status.changed" || msg.Attributes["status"] != "confirmed" {
		t.Fatalf("unexpected attributes %v", msg.Attributes)
	}
	if msg.Attributes["requestId"] != "req-42" || msg.Attributes["traceId"] != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected correlation attributes, got %v", msg.Attributes)
	}
	if _, ok := msg.Attributes["paymentId"]; ok {
		t.Fatalf("empty paymentId attribute should be omitted")
	}
	if msg.OrderingKey != "ord_01HZ" {
		t.Fatalf("expected ordering key ord_01HZ, got %q", msg.OrderingKey)
	}
}

func TestNewPubSubOrderEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
