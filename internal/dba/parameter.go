package dba

import (
	"strconv"
	"strings"
)

// Params holds the optional clauses of a select statement.
type Params struct {
	GroupBy []string
	Order   []Order
	// Limit is the maximum number of rows; zero means no limit.
	Limit int
	// Offset is only rendered together with a Limit ("LIMIT offset, limit").
	Offset int
}

// Order is a single ORDER BY entry.
type Order struct {
	Field     string
	Direction string // "", "ASC" or "DESC"
	Random    bool
}

// Asc orders by field ascending.
func Asc(field string) Order { return Order{Field: field, Direction: "ASC"} }

// Desc orders by field descending.
func Desc(field string) Order { return Order{Field: field, Direction: "DESC"} }

// By orders by field without an explicit direction.
func By(field string) Order { return Order{Field: field} }

// Rand orders randomly.
func Rand() Order { return Order{Random: true} }

func (o Order) String() string {
	if o.Random {
		return "RAND()"
	}
	if o.Direction == "" {
		return QuoteIdentifier(o.Field)
	}
	return QuoteIdentifier(o.Field) + " " + o.Direction
}

// BuildParameter renders the GROUP BY, ORDER BY and LIMIT clauses, in that order.
func BuildParameter(p Params) string {
	var sb strings.Builder

	if len(p.GroupBy) > 0 {
		quoted := make([]string, len(p.GroupBy))
		for i, f := range p.GroupBy {
			quoted[i] = QuoteIdentifier(f)
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(quoted, ", "))
	}

	if len(p.Order) > 0 {
		parts := make([]string, len(p.Order))
		for i, o := range p.Order {
			parts[i] = o.String()
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	if p.Limit > 0 {
		sb.WriteString(" LIMIT ")
		if p.Offset > 0 {
			sb.WriteString(strconv.Itoa(p.Offset))
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.Itoa(p.Limit))
	}

	return sb.String()
}
