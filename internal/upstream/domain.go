package upstream

// DomainSpec describes the record selection for one extract. It compiles
// to the upstream's domain triplet syntax.
type DomainSpec struct {
	// Watermark is the last-sync timestamp; when set (and no id list is
	// given) a write_date > watermark predicate is appended.
	Watermark string

	// RecordIDs restricts the extract to specific ids and suppresses the
	// watermark predicate.
	RecordIDs []uint64

	// DateFrom / DateTo bound create_date (inclusive / inclusive), in
	// YYYY-MM-DD form. Datetime expansion appends 00:00:00 / 23:59:59.
	DateFrom string
	DateTo   string

	// IncludeArchived lifts the upstream's implicit active=true filter.
	IncludeArchived bool
}

// Build compiles the spec into a domain triplet list.
func (d DomainSpec) Build() []interface{} {
	var domain []interface{}

	if len(d.RecordIDs) > 0 {
		ids := make([]interface{}, len(d.RecordIDs))
		for i, id := range d.RecordIDs {
			ids[i] = int64(id)
		}
		domain = append(domain, []interface{}{"id", "in", ids})
	} else if d.Watermark != "" {
		domain = append(domain, []interface{}{"write_date", ">", d.Watermark})
	}

	if d.DateFrom != "" {
		domain = append(domain, []interface{}{"create_date", ">=", d.DateFrom + " 00:00:00"})
	}
	if d.DateTo != "" {
		domain = append(domain, []interface{}{"create_date", "<=", d.DateTo + " 23:59:59"})
	}
	if d.IncludeArchived {
		domain = append(domain, []interface{}{"active", "in", []interface{}{true, false}})
	}
	return domain
}

// IsIncremental reports whether the compiled domain carries a watermark
// predicate, which determines the run's sync_type.
func (d DomainSpec) IsIncremental() bool {
	return len(d.RecordIDs) == 0 && d.Watermark != ""
}

// WithoutDateWindow returns a copy with the create-date window dropped.
// FK-target sub-syncs use this: the primary date window applies only to
// the cascade origin.
func (d DomainSpec) WithoutDateWindow() DomainSpec {
	d.DateFrom = ""
	d.DateTo = ""
	return d
}
