package extract

// Metrics holds one tenant's visit comparison for the report window.
// Pointer fields are nil on a fallback record so downstream rendering can
// distinguish "zero visitors" from "no data".
type Metrics struct {
	CurrTotal       *int64
	PrevTotal       *int64
	WeekdayDeltaPct *float64
	WeekendDeltaPct *float64
	TotalDeltaPct   *float64
	DailyCurrent    []int64
	DailyPrevious   []int64
}

// Result is one tenant's extraction outcome. A failed tenant still produces
// a Result with empty metrics so the dataset keeps one entry per tenant.
type Result struct {
	Tenant  string
	Metrics Metrics
	Success bool
	Err     string
}

func fallbackResult(tenant string, err error) Result {
	r := Result{Tenant: tenant}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

// Dataset is the merged output of one extraction run, ordered to match the
// requested tenant list.
type Dataset struct {
	EndDate    string
	PeriodDays int
	Tenants    []string
	Results    []Result
}

func (d Dataset) FailedCount() int {
	n := 0
	for _, r := range d.Results {
		if !r.Success {
			n++
		}
	}
	return n
}
