package specialist

import "fmt"

// plannedRead is one parameterised warehouse read a specialist intends
// to execute.
type plannedRead struct {
	source   string
	template string
	rowLimit int
}

// planReads maps the dispatcher's required data sources onto fixed
// parameterised templates. Unknown sources are skipped; an empty plan
// falls back to sales.
func planReads(sources []string, lookbackDays int) []plannedRead {
	if len(sources) == 0 {
		sources = []string{"sales"}
	}
	var out []plannedRead
	for _, s := range sources {
		template, ok := sourceTemplates[s]
		if !ok {
			continue
		}
		out = append(out, plannedRead{
			source:   s,
			template: fmt.Sprintf(template, lookbackDays),
			rowLimit: 500,
		})
	}
	if len(out) == 0 {
		out = append(out, plannedRead{
			source:   "sales",
			template: fmt.Sprintf(sourceTemplates["sales"], lookbackDays),
			rowLimit: 500,
		})
	}
	return out
}

// sourceTemplates are the read-only templates per data source. The only
// runtime parameter is the tenant; the lookback window is fixed per
// specialist variant at construction, not caller-supplied.
var sourceTemplates = map[string]string{
	"sales": `SELECT sale_date, make, model, sale_price
FROM sales
WHERE tenant_id = :tenant AND sale_date >= date('now', '-%d day')
ORDER BY sale_date DESC`,
	"inventory": `SELECT make, model, model_year, list_price, days_on_lot
FROM inventory
WHERE tenant_id = :tenant AND status = 'available' AND listed_at >= date('now', '-%d day')
ORDER BY days_on_lot DESC`,
	"customers": `SELECT segment, first_purchase_date, lifetime_value
FROM customers
WHERE tenant_id = :tenant AND last_activity >= date('now', '-%d day')`,
	"service": `SELECT service_date, service_type, labor_hours, invoice_total
FROM service_orders
WHERE tenant_id = :tenant AND service_date >= date('now', '-%d day')
ORDER BY service_date DESC`,
	"finance": `SELECT month, gross_profit, floorplan_expense, f_i_income
FROM finance_monthly
WHERE tenant_id = :tenant AND month >= date('now', '-%d day')`,
}
