// helpers.go — Store 层通用工具。
//
// 查询模式:
//   - QueryBuilder: 动态 WHERE + LIKE 关键词搜索 + 分页, 支持 PostgreSQL ($N) 与 SQLite (?) 占位符
//   - collectRows:  pgx row → Go struct 泛型扫描
package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentqa/test-executor/pkg/util"
)

// BaseStore PostgreSQL store 的嵌入基底，持有连接池。
//
//	type FooStore struct{ BaseStore }
//	func NewFooStore(pool *pgxpool.Pool) *FooStore { return &FooStore{NewBaseStore(pool)} }
type BaseStore struct{ pool *pgxpool.Pool }

// NewBaseStore 创建 BaseStore。
func NewBaseStore(pool *pgxpool.Pool) BaseStore { return BaseStore{pool: pool} }

// Pool 返回连接池。
func (b BaseStore) Pool() *pgxpool.Pool { return b.pool }

// ========================================
// QueryBuilder — 动态 WHERE 子句构造
// ========================================

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// QueryBuilder 渐进式 SQL WHERE 拼接器。
type QueryBuilder struct {
	dialect dialect
	where   []string
	params  []any
	n       int // 参数计数器 (pgx 用 $1, $2, ...)
}

// NewQueryBuilder 创建 PostgreSQL 构造器。
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{dialect: dialectPostgres}
}

// NewSQLiteQueryBuilder 创建 SQLite 构造器 (? 占位符)。
func NewSQLiteQueryBuilder() *QueryBuilder {
	return &QueryBuilder{dialect: dialectSQLite}
}

func (q *QueryBuilder) next() string {
	q.n++
	if q.dialect == dialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", q.n)
}

// Eq 添加等值条件。空值跳过。
func (q *QueryBuilder) Eq(col, val string) *QueryBuilder {
	if val == "" {
		return q
	}
	q.where = append(q.where, fmt.Sprintf("%s = %s", col, q.next()))
	q.params = append(q.params, val)
	return q
}

// KeywordLike 添加多列 LIKE 关键词搜索 (大小写不敏感, 转义 % _ \)。
func (q *QueryBuilder) KeywordLike(keyword string, cols ...string) *QueryBuilder {
	if keyword == "" || len(cols) == 0 {
		return q
	}
	escape := `ESCAPE E'\\'`
	if q.dialect == dialectSQLite {
		escape = `ESCAPE '\'`
	}
	kw := "%" + util.EscapeLike(strings.ToLower(keyword)) + "%"
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("LOWER(%s) LIKE %s %s", c, q.next(), escape))
		q.params = append(q.params, kw)
	}
	q.where = append(q.where, "("+strings.Join(parts, " OR ")+")")
	return q
}

// Build 构建完整 SQL: baseSql + WHERE + ORDER BY + LIMIT。
func (q *QueryBuilder) Build(baseSql, orderBy string, limit int) (string, []any) {
	limit = util.ClampInt(limit, 1, maxListLimit)
	sql := baseSql + q.WhereClause()
	if orderBy != "" {
		sql += " ORDER BY " + orderBy
	}
	sql += " LIMIT " + q.next()
	q.params = append(q.params, limit)
	return sql, q.params
}

// Params 返回当前参数列表。
func (q *QueryBuilder) Params() []any {
	return q.params
}

// WhereClause 仅返回 WHERE 子句 (含前导 " WHERE ")，空条件返回空字符串。
func (q *QueryBuilder) WhereClause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// ========================================
// collectRows — 泛型行扫描
// ========================================

// collectRows 使用 pgx.CollectRows + RowToStructByName 扫描行到 struct slice。
func collectRows[T any](rows pgx.Rows) ([]T, error) {
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

// collectOne 扫描单行，无结果返回 nil。
func collectOne[T any](rows pgx.Rows) (*T, error) {
	items, err := pgx.CollectRows(rows, pgx.RowToStructByName[T])
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// nullableJSON 空结果写入 NULL, 否则写入 JSON 文本。
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
