package models

import "time"

// Виды проводок. Множество закрыто и продублировано CHECK-ограничением в схеме.
const (
	TxKindWelcomeGrant = "welcome_grant"
	TxKindMonthlyGrant = "monthly_grant"
	TxKindSpend        = "spend"
	TxKindGrant        = "grant"
	TxKindRefund       = "refund"
)

// Transaction представляет неизменяемую запись журнала о движении токенов.
// Для kind=spend поле IdemKey обязательно и уникально в паре с владельцем:
// повторная проводка с тем же ключом не создаётся.
type Transaction struct {
	ID           int64     `json:"id"`
	PrincipalUID string    `json:"principal_uid"`
	Kind         string    `json:"kind"`
	Amount       int       `json:"amount"` // Подписанная величина: списания отрицательны
	IdemKey      string    `json:"idem_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
