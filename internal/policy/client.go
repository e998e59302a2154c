// Package policy: клиент точки принятия решений (PDP) и встроенный движок правил.
// Решения никогда не кешируются: каждый запрос идет в PDP заново.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

// DataDescriptor описывает форму данных запроса, только имена полей верхнего уровня, без значений
type DataDescriptor struct {
	Kind   string   `json:"kind"` // params, payload
	Fields []string `json:"fields"`
}

func Describe(kind string, data map[string]any) DataDescriptor {
	fields := make([]string, 0, len(data))
	for k := range data {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return DataDescriptor{Kind: kind, Fields: fields}
}

type Request struct {
	Requester string         `json:"requester_identity"`
	Target    string         `json:"target_id"`
	Operation string         `json:"operation"`
	Data      DataDescriptor `json:"data_descriptor"`
}

type Decision struct {
	Allow        bool     `json:"allow"`
	MaskedFields []string `json:"masked_fields,omitempty"`
	DenyReason   string   `json:"deny_reason,omitempty"`
}

type Client interface {
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

// FailClosed превращает любую ошибку PDP в запрет. Ошибка возвращается вместе
// с решением, чтобы вызывающий мог записать outcome=error.
func FailClosed(next Client, logger *zap.Logger) Client {
	return &failClosed{next: next, logger: logger.Named("policy")}
}

type failClosed struct {
	next   Client
	logger *zap.Logger
}

func (f *failClosed) Evaluate(ctx context.Context, req Request) (Decision, error) {
	d, err := f.next.Evaluate(ctx, req)
	if err == nil {
		return d, nil
	}
	f.logger.Warn("policy decision point unavailable, denying",
		zap.String("requester", req.Requester),
		zap.String("target", req.Target),
		zap.String("operation", req.Operation),
		zap.Error(err))
	if !errors.Is(err, domain.ErrPolicyUnavailable) {
		err = fmt.Errorf("%w: %v", domain.ErrPolicyUnavailable, err)
	}
	return Decision{Allow: false, DenyReason: err.Error()}, err
}
