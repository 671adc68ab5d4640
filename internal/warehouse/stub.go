package warehouse

import (
	"context"
	"strings"
)

// StubExecutor serves canned dealership rows so the pipeline can run
// without a database. Used by the demo command and offline development.
type StubExecutor struct{}

func (s *StubExecutor) Exec(_ context.Context, template string, _ map[string]any, limit int) (*ResultSet, error) {
	var rs *ResultSet
	switch {
	case strings.Contains(template, "FROM inventory"):
		rs = &ResultSet{
			Columns: []string{"make", "model", "model_year", "list_price", "days_on_lot"},
			Rows: []Row{
				{"make": "Atlas", "model": "Summit", "model_year": 2025, "list_price": 42999, "days_on_lot": 21},
				{"make": "Atlas", "model": "Ridge", "model_year": 2024, "list_price": 35750, "days_on_lot": 44},
				{"make": "Meridian", "model": "Coupe S", "model_year": 2025, "list_price": 51200, "days_on_lot": 12},
			},
		}
	case strings.Contains(template, "FROM customers"):
		rs = &ResultSet{
			Columns: []string{"segment", "first_purchase_date", "lifetime_value"},
			Rows: []Row{
				{"segment": "repeat", "first_purchase_date": "2021-04-12", "lifetime_value": 84500},
				{"segment": "new", "first_purchase_date": "2026-06-03", "lifetime_value": 31200},
			},
		}
	case strings.Contains(template, "FROM service_orders"):
		rs = &ResultSet{
			Columns: []string{"service_date", "service_type", "labor_hours", "invoice_total"},
			Rows: []Row{
				{"service_date": "2026-07-28", "service_type": "30k_service", "labor_hours": 2.5, "invoice_total": 612},
				{"service_date": "2026-07-30", "service_type": "brake_replacement", "labor_hours": 3.0, "invoice_total": 890},
			},
		}
	default:
		rs = &ResultSet{
			Columns: []string{"sale_date", "make", "model", "sale_price"},
			Rows: []Row{
				{"sale_date": "2026-07-02", "make": "Atlas", "model": "Summit", "sale_price": 41200},
				{"sale_date": "2026-07-09", "make": "Atlas", "model": "Ridge", "sale_price": 34100},
				{"sale_date": "2026-07-15", "make": "Meridian", "model": "Coupe S", "sale_price": 49800},
				{"sale_date": "2026-07-21", "make": "Atlas", "model": "Summit", "sale_price": 42650},
			},
		}
	}
	if len(rs.Rows) > limit+1 {
		rs.Rows = rs.Rows[:limit+1]
	}
	return rs, nil
}
