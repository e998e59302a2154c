// Package bus описывает границу транспорта: pub/sub + request-reply поверх именованных каналов.
// Доставка at-least-once обеспечивается транспортом; ядро работает только через Bus.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrClosed       = errors.New("bus: closed")
	ErrNoResponders = errors.New("bus: no responders")
	ErrTimeout      = errors.New("bus: request timed out")
)

// Msg: одно сообщение шины. Reply заполнен только у request-reply запросов.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

type Handler func(ctx context.Context, msg *Msg)

type Subscription interface {
	Unsubscribe() error
}

type Bus interface {
	// Publish рассылает сообщение всем текущим подписчикам канала (без истории)
	Publish(ctx context.Context, subject string, data []byte) error
	// PublishRequest публикует сообщение с адресом для ответа
	PublishRequest(ctx context.Context, subject, reply string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	// Request ждет ровно один ответ или истечения ctx
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Close() error
}

// NewInbox: уникальный канал для ответа на один запрос
func NewInbox() string {
	return "_INBOX." + uuid.NewString()
}

// Respond кодирует v в JSON и отправляет в msg.Reply. Сообщение без Reply: no-op.
func Respond(ctx context.Context, b Bus, msg *Msg, v any) error {
	if msg.Reply == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode reply: %w", err)
	}
	return b.Publish(ctx, msg.Reply, data)
}

func PublishJSON(ctx context.Context, b Bus, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subject, err)
	}
	return b.Publish(ctx, subject, data)
}

// RequestJSON: типизированная обертка над Request
func RequestJSON(ctx context.Context, b Bus, subject string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subject, err)
	}
	out, err := b.Request(ctx, subject, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("bus: decode %s reply: %w", subject, err)
	}
	return nil
}

// awaitReply: общий цикл ожидания для реализаций Request
func awaitReply(ctx context.Context, replies <-chan []byte) ([]byte, error) {
	select {
	case data := <-replies:
		return data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}
