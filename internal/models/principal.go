// Package models содержит доменные структуры сервиса: принципал,
// его кошелёк с токенами, проводки и задания декодирования, а также
// вспомогательные типы для работы с данными из JSON-запросов.
package models

import "time"

// Роли принципала. Роль admin обходит проверку владения заданием.
const (
	RoleViewer    = "viewer"
	RolePro       = "pro"
	RolePublisher = "publisher"
	RoleAdmin     = "admin"
)

// Principal представляет аутентифицированного пользователя системы.
// UID стабилен и не меняется; AuthSubject — идентификатор субъекта
// у внешнего провайдера аутентификации.
type Principal struct {
	UID         string    // Внутренний идентификатор принципала
	AuthSubject string    // Идентификатор субъекта у внешнего провайдера
	Role        string    // Роль: viewer, pro, publisher или admin
	CreatedAt   time.Time // Дата создания учётной записи
}

// PlanFree — тарифный план по умолчанию; им же считается отсутствующий кошелёк.
const PlanFree = "free"

// Entitlement представляет тарифный план и баланс токенов принципала.
// Баланс никогда не опускается ниже нуля; любое его изменение
// сопровождается записью в таблицу проводок.
type Entitlement struct {
	PrincipalUID  string     // Владелец
	Plan          string     // Название тарифного плана
	TokensBalance int        // Текущий баланс токенов, >= 0
	NextRenewal   *time.Time // Дата следующего пополнения, nil для бесплатного плана
}
