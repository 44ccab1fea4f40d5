package stripe

import (
	"sort"
	"strings"
)

// PlanCatalog сопоставляет идентификатор плана с ценой Stripe
type PlanCatalog struct {
	prices map[string]string
}

// NewPlanCatalog создает каталог из карты plan -> price. Пустые записи пропускаются.
func NewPlanCatalog(plans map[string]string) *PlanCatalog {
	prices := make(map[string]string, len(plans))
	for plan, price := range plans {
		plan, price = normalizePlan(plan), strings.TrimSpace(price)
		if plan == "" || price == "" {
			continue
		}
		prices[plan] = price
	}
	return &PlanCatalog{prices: prices}
}

// PriceFor возвращает цену для плана
func (c *PlanCatalog) PriceFor(planID string) (string, bool) {
	_, price, ok := c.Lookup(planID)
	return price, ok
}

// Lookup возвращает канонический идентификатор плана и его цену.
// Дальше по цепочке (metadata, метрики, аккаунт) должен идти только канонический plan.
func (c *PlanCatalog) Lookup(planID string) (plan, price string, ok bool) {
	plan = normalizePlan(planID)
	price, ok = c.prices[plan]
	if !ok {
		return "", "", false
	}
	return plan, price, true
}

func normalizePlan(planID string) string {
	return strings.ToLower(strings.TrimSpace(planID))
}

// Plans список известных планов в алфавитном порядке
func (c *PlanCatalog) Plans() []string {
	plans := make([]string, 0, len(c.prices))
	for plan := range c.prices {
		plans = append(plans, plan)
	}
	sort.Strings(plans)
	return plans
}
