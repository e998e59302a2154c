package domain

import "strings"

// PolicyEffect определяет, что делать с запросом
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

// PolicyRule описывает правило встроенного PDP. Поля Requester/Target/Operation: glob-шаблоны
// (path.Match), пустое значение означает "*".
type PolicyRule struct {
	ID        string       `yaml:"id" json:"id"`
	Requester string       `yaml:"requester" json:"requester"`
	Target    string       `yaml:"target" json:"target"`
	Operation string       `yaml:"operation" json:"operation"`
	Effect    PolicyEffect `yaml:"effect" json:"effect"`

	// Поля ответа, которые нужно заменить маркером для этого requester
	Mask []string `yaml:"mask,omitempty" json:"mask,omitempty"`
	// Текст отказа для вызывающего (deny_reason)
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Decide: метод-интерпретатор. Гарантирует возврат валидного эффекта,
// даже если правило не проинициализировано (Zero Trust).
func (p *PolicyRule) Decide() PolicyEffect {
	// Если правило nil (ничего не совпало): жесткий запрет
	if p == nil {
		return EffectDeny
	}
	switch PolicyEffect(strings.ToLower(string(p.Effect))) {
	case EffectAllow:
		return EffectAllow
	default:
		// Пустой или неизвестный эффект: запрет
		return EffectDeny
	}
}
