package querybuilder

import (
	"fmt"
	"strings"
)

// QueryBuilder assembles PostgreSQL statements with numbered placeholders.
type QueryBuilder struct {
	queryType  QueryType
	table      string
	columns    []string
	conditions []Condition
	orderBy    []OrderBy
	limit      *int
	sets       []assignment
	onConflict *ConflictClause
}

type QueryType int

const (
	SelectQuery QueryType = iota
	InsertQuery
)

// Condition is one AND-ed WHERE term. Raw terms carry their own
// expression with ? marking each argument.
type Condition struct {
	Column   string
	Operator Operator
	Value    interface{}
	Raw      string
	RawArgs  []interface{}
}

type OrderBy struct {
	Column    string
	Direction Direction
}

// ConflictClause is an ON CONFLICT target. With DoUpdate every inserted
// column outside the target is overwritten from EXCLUDED.
type ConflictClause struct {
	Columns []string
	Action  ConflictAction
}

type assignment struct {
	column string
	value  interface{}
	cast   string
}

type Operator int

const (
	Equal Operator = iota
	GreaterThan
	GreaterThanOrEqual
	LessThan
	In
)

type Direction int

const (
	Asc Direction = iota
	Desc
)

type ConflictAction int

const (
	DoNothing ConflictAction = iota
	DoUpdate
)

func New() *QueryBuilder {
	return &QueryBuilder{}
}

func (qb *QueryBuilder) Select(columns ...string) *QueryBuilder {
	qb.queryType = SelectQuery
	qb.columns = columns
	return qb
}

func (qb *QueryBuilder) From(table string) *QueryBuilder {
	qb.table = table
	return qb
}

func (qb *QueryBuilder) Insert(table string) *QueryBuilder {
	qb.queryType = InsertQuery
	qb.table = table
	return qb
}

// Set adds a column value to an INSERT, in call order.
func (qb *QueryBuilder) Set(column string, value interface{}) *QueryBuilder {
	qb.sets = append(qb.sets, assignment{column: column, value: value})
	return qb
}

// SetCast is Set with an explicit PostgreSQL cast on the placeholder.
func (qb *QueryBuilder) SetCast(column string, value interface{}, cast string) *QueryBuilder {
	qb.sets = append(qb.sets, assignment{column: column, value: value, cast: cast})
	return qb
}

func (qb *QueryBuilder) Where(column string, operator Operator, value interface{}) *QueryBuilder {
	qb.conditions = append(qb.conditions, Condition{Column: column, Operator: operator, Value: value})
	return qb
}

func (qb *QueryBuilder) WhereEqual(column string, value interface{}) *QueryBuilder {
	return qb.Where(column, Equal, value)
}

// WhereRaw adds an expression such as "(ts, sequence) > (?, ?)".
func (qb *QueryBuilder) WhereRaw(expr string, args ...interface{}) *QueryBuilder {
	qb.conditions = append(qb.conditions, Condition{Raw: expr, RawArgs: args})
	return qb
}

func (qb *QueryBuilder) OrderByAsc(column string) *QueryBuilder {
	qb.orderBy = append(qb.orderBy, OrderBy{Column: column, Direction: Asc})
	return qb
}

func (qb *QueryBuilder) OrderByDesc(column string) *QueryBuilder {
	qb.orderBy = append(qb.orderBy, OrderBy{Column: column, Direction: Desc})
	return qb
}

func (qb *QueryBuilder) Limit(limit int) *QueryBuilder {
	qb.limit = &limit
	return qb
}

func (qb *QueryBuilder) OnConflict(columns []string, action ConflictAction) *QueryBuilder {
	qb.onConflict = &ConflictClause{Columns: columns, Action: action}
	return qb
}

// ToSQL renders the statement and its arguments.
func (qb *QueryBuilder) ToSQL() (string, []interface{}, error) {
	if qb.table == "" {
		return "", nil, fmt.Errorf("querybuilder: table is required")
	}
	switch qb.queryType {
	case SelectQuery:
		return qb.buildSelect()
	case InsertQuery:
		return qb.buildInsert()
	}
	return "", nil, fmt.Errorf("querybuilder: unsupported query type %d", qb.queryType)
}

func (qb *QueryBuilder) buildSelect() (string, []interface{}, error) {
	var query strings.Builder
	cols := "*"
	if len(qb.columns) > 0 {
		cols = strings.Join(qb.columns, ", ")
	}
	fmt.Fprintf(&query, "SELECT %s FROM %s", cols, qb.table)

	where, args, err := qb.buildConditions(1)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		query.WriteString(" WHERE ")
		query.WriteString(where)
	}

	if len(qb.orderBy) > 0 {
		parts := make([]string, len(qb.orderBy))
		for i, o := range qb.orderBy {
			dir := "ASC"
			if o.Direction == Desc {
				dir = "DESC"
			}
			parts[i] = o.Column + " " + dir
		}
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(parts, ", "))
	}

	if qb.limit != nil {
		args = append(args, *qb.limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}
	return query.String(), args, nil
}

func (qb *QueryBuilder) buildInsert() (string, []interface{}, error) {
	if len(qb.sets) == 0 {
		return "", nil, fmt.Errorf("querybuilder: insert into %s has no values", qb.table)
	}
	cols := make([]string, len(qb.sets))
	placeholders := make([]string, len(qb.sets))
	args := make([]interface{}, len(qb.sets))
	for i, s := range qb.sets {
		cols[i] = s.column
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if s.cast != "" {
			placeholders[i] += "::" + s.cast
		}
		args[i] = s.value
	}

	var query strings.Builder
	fmt.Fprintf(&query, "INSERT INTO %s (%s) VALUES (%s)",
		qb.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if c := qb.onConflict; c != nil {
		fmt.Fprintf(&query, " ON CONFLICT (%s)", strings.Join(c.Columns, ", "))
		if c.Action == DoNothing {
			query.WriteString(" DO NOTHING")
		} else {
			target := make(map[string]bool, len(c.Columns))
			for _, col := range c.Columns {
				target[col] = true
			}
			var updates []string
			for _, col := range cols {
				if !target[col] {
					updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
				}
			}
			if len(updates) == 0 {
				return "", nil, fmt.Errorf("querybuilder: nothing to update on conflict")
			}
			query.WriteString(" DO UPDATE SET ")
			query.WriteString(strings.Join(updates, ", "))
		}
	}
	return query.String(), args, nil
}

func (qb *QueryBuilder) buildConditions(start int) (string, []interface{}, error) {
	var parts []string
	var args []interface{}
	next := start

	for _, c := range qb.conditions {
		if c.Raw != "" {
			expr := c.Raw
			for _, a := range c.RawArgs {
				i := strings.Index(expr, "?")
				if i < 0 {
					return "", nil, fmt.Errorf("querybuilder: too many arguments for %q", c.Raw)
				}
				expr = fmt.Sprintf("%s$%d%s", expr[:i], next, expr[i+1:])
				args = append(args, a)
				next++
			}
			if strings.Contains(expr, "?") {
				return "", nil, fmt.Errorf("querybuilder: missing arguments for %q", c.Raw)
			}
			parts = append(parts, expr)
			continue
		}

		switch c.Operator {
		case In:
			values, ok := c.Value.([]interface{})
			if !ok || len(values) == 0 {
				return "", nil, fmt.Errorf("querybuilder: IN on %s needs a non-empty []interface{}", c.Column)
			}
			placeholders := make([]string, len(values))
			for i, v := range values {
				placeholders[i] = fmt.Sprintf("$%d", next)
				args = append(args, v)
				next++
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", c.Column, strings.Join(placeholders, ", ")))
		default:
			op, err := operatorSQL(c.Operator)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, fmt.Sprintf("%s %s $%d", c.Column, op, next))
			args = append(args, c.Value)
			next++
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

func operatorSQL(op Operator) (string, error) {
	switch op {
	case Equal:
		return "=", nil
	case GreaterThan:
		return ">", nil
	case GreaterThanOrEqual:
		return ">=", nil
	case LessThan:
		return "<", nil
	}
	return "", fmt.Errorf("querybuilder: unsupported operator %d", op)
}
