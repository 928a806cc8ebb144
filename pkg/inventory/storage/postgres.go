package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory"
)

const batchColumns = "id, product_id, warehouse_id, expiration, quantity, unit_cost, active, created_at, updated_at"

// querier is the subset of *sql.DB and *sql.Tx used by the storage
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db      *sql.DB
	q       querier
	inTx    bool
	builder squirrel.StatementBuilderType
	logger  *zap.Logger
}

var (
	_ inventory.Storage        = (*PostgreSQLStorage)(nil)
	_ inventory.ProductCatalog = (*PostgreSQLStorage)(nil)
)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", classify(err))
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgreSQLStorageFromDB(db, logger), nil
}

// NewPostgreSQLStorageFromDB wraps an already opened database handle
// 既存のデータベースハンドルからストレージを作成
func NewPostgreSQLStorageFromDB(db *sql.DB, logger *zap.Logger) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		db:      db,
		q:       db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		logger:  logger,
	}
}

// RunInTx runs fn inside a database transaction. Nested calls join the
// outer transaction.
// データベーストランザクション内でfnを実行
func (s *PostgreSQLStorage) RunInTx(ctx context.Context, fn func(tx inventory.Storage) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", classify(err))
	}

	txStorage := &PostgreSQLStorage{
		db:      s.db,
		q:       tx,
		inTx:    true,
		builder: s.builder,
		logger:  s.logger,
	}

	if err := fn(txStorage); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗しました: %w", classify(err))
	}
	return nil
}

// ListBatches retrieves batches matching filter in the requested order
// 条件に一致するバッチを指定順で取得
func (s *PostgreSQLStorage) ListBatches(ctx context.Context, filter inventory.BatchFilter, sort []inventory.SortOrder) ([]inventory.Batch, error) {
	q := s.builder.Select(batchColumns).From("batches")

	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.WarehouseID != nil {
		q = q.Where(squirrel.Eq{"warehouse_id": *filter.WarehouseID})
	}
	if filter.Active != nil {
		q = q.Where(squirrel.Eq{"active": *filter.Active})
	}
	if filter.MinQuantity != nil {
		q = q.Where(squirrel.GtOrEq{"quantity": *filter.MinQuantity})
	}

	orderBy, err := orderClauses(sort)
	if err != nil {
		return nil, err
	}
	q = q.OrderBy(orderBy...)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("バッチ一覧取得に失敗しました: %w", classify(err))
	}
	defer rows.Close()

	var batches []inventory.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("バッチ読み取りに失敗しました: %w", err)
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("バッチ一覧取得に失敗しました: %w", classify(err))
	}

	return batches, nil
}

// GetBatch retrieves a batch by ID
// IDでバッチを取得
func (s *PostgreSQLStorage) GetBatch(ctx context.Context, id int64) (*inventory.Batch, error) {
	query, args, err := s.builder.Select(batchColumns).
		From("batches").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}

	b, err := scanBatch(s.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrBatchNotFound
		}
		return nil, fmt.Errorf("バッチ取得に失敗しました: %w", classify(err))
	}
	return b, nil
}

// UpdateBatch applies patch only if the stored quantity equals expectedQuantity
// and, when patch.ExpectedWarehouseID is set, the stored warehouse matches it
// 保存済み数量（と倉庫）が一致する場合のみバッチを更新（楽観的ロック）
func (s *PostgreSQLStorage) UpdateBatch(ctx context.Context, id, expectedQuantity int64, patch inventory.BatchPatch) (*inventory.Batch, error) {
	q := s.builder.Update("batches")
	if patch.Quantity != nil {
		q = q.Set("quantity", *patch.Quantity)
	}
	if patch.Active != nil {
		q = q.Set("active", *patch.Active)
	}
	if patch.WarehouseID != nil {
		q = q.Set("warehouse_id", *patch.WarehouseID)
	}
	q = q.Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Eq{"quantity": expectedQuantity})
	if patch.ExpectedWarehouseID != nil {
		q = q.Where(squirrel.Eq{"warehouse_id": *patch.ExpectedWarehouseID})
	}
	q = q.Suffix("RETURNING " + batchColumns)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}

	b, err := scanBatch(s.q.QueryRowContext(ctx, query, args...))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isCheckViolation(err) {
			return nil, inventory.NewValidationError("quantity", "数量は0以上である必要があります", "")
		}
		return nil, fmt.Errorf("バッチ更新に失敗しました: %w", classify(err))
	}

	// 0件更新: 行が存在するなら数量か倉庫が変わっている
	exists, err := s.batchExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, inventory.ErrBatchNotFound
	}
	return nil, inventory.ErrVersionMismatch
}

func (s *PostgreSQLStorage) batchExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM batches WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("バッチ存在確認に失敗しました: %w", classify(err))
	}
	return exists, nil
}

// InsertBatch creates a new batch and assigns its ID
// 新しいバッチを作成しIDを採番
func (s *PostgreSQLStorage) InsertBatch(ctx context.Context, batch *inventory.Batch) error {
	query, args, err := s.builder.Insert("batches").
		Columns("product_id", "warehouse_id", "expiration", "quantity", "unit_cost", "active").
		Values(batch.ProductID, batch.WarehouseID, nullDate(batch.Expiration), batch.Quantity, nullDecimal(batch.UnitCost), batch.Active).
		Suffix("RETURNING id, created_at, updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}

	err = s.q.QueryRowContext(ctx, query, args...).Scan(&batch.ID, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		if isCheckViolation(err) {
			return inventory.NewValidationError("batch", "バッチの値が制約に違反しています", err.Error())
		}
		return fmt.Errorf("バッチ作成に失敗しました: %w", classify(err))
	}
	return nil
}

// InsertSale creates a sale header and assigns its ID
// 販売ヘッダーを作成しIDを採番
func (s *PostgreSQLStorage) InsertSale(ctx context.Context, sale *inventory.Sale) error {
	query, args, err := s.builder.Insert("sales").
		Columns("reference", "customer_id", "total", "created_at", "created_by").
		Values(sale.Reference, sale.CustomerID, sale.Total, sale.CreatedAt, sale.CreatedBy).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}

	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&sale.ID); err != nil {
		if pqErr, ok := asPQError(err); ok && pqErr.Code == "23505" {
			return fmt.Errorf("販売参照番号が重複しています: %s", sale.Reference)
		}
		return fmt.Errorf("販売作成に失敗しました: %w", classify(err))
	}
	return nil
}

// InsertSaleLine creates a sale line together with its batch allocations
// 販売明細と消費バッチを作成
func (s *PostgreSQLStorage) InsertSaleLine(ctx context.Context, line *inventory.SaleLine) error {
	query, args, err := s.builder.Insert("sale_lines").
		Columns("sale_id", "product_id", "warehouse_id", "quantity", "unit_price", "line_total").
		Values(line.SaleID, line.ProductID, line.WarehouseID, line.Quantity, line.UnitPrice, line.LineTotal).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}

	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&line.ID); err != nil {
		return fmt.Errorf("販売明細作成に失敗しました: %w", classify(err))
	}

	if len(line.Allocations) == 0 {
		return nil
	}

	ins := s.builder.Insert("sale_line_batches").Columns("sale_line_id", "batch_id", "quantity")
	for _, a := range line.Allocations {
		ins = ins.Values(line.ID, a.BatchID, a.Quantity)
	}
	query, args, err = ins.ToSql()
	if err != nil {
		return fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("販売明細の消費バッチ作成に失敗しました: %w", classify(err))
	}
	return nil
}

// ListSales retrieves the most recent sales with lines and allocations
// 直近の販売を明細・消費バッチ付きで取得
func (s *PostgreSQLStorage) ListSales(ctx context.Context, limit int) ([]inventory.Sale, error) {
	query, args, err := s.builder.Select("id", "reference", "customer_id", "total", "created_at", "created_by").
		From("sales").
		OrderBy("id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("販売履歴取得に失敗しました: %w", classify(err))
	}
	defer rows.Close()

	var sales []inventory.Sale
	index := make(map[int64]int)
	for rows.Next() {
		var sale inventory.Sale
		var customerID sql.NullInt64
		if err := rows.Scan(&sale.ID, &sale.Reference, &customerID, &sale.Total, &sale.CreatedAt, &sale.CreatedBy); err != nil {
			return nil, fmt.Errorf("販売読み取りに失敗しました: %w", err)
		}
		if customerID.Valid {
			id := customerID.Int64
			sale.CustomerID = &id
		}
		index[sale.ID] = len(sales)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("販売履歴取得に失敗しました: %w", classify(err))
	}
	if len(sales) == 0 {
		return sales, nil
	}

	saleIDs := make([]int64, len(sales))
	for i, sale := range sales {
		saleIDs[i] = sale.ID
	}
	lines, err := s.listSaleLines(ctx, saleIDs)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		i := index[l.SaleID]
		sales[i].Lines = append(sales[i].Lines, l)
	}

	return sales, nil
}

func (s *PostgreSQLStorage) listSaleLines(ctx context.Context, saleIDs []int64) ([]inventory.SaleLine, error) {
	query, args, err := s.builder.Select("id", "sale_id", "product_id", "warehouse_id", "quantity", "unit_price", "line_total").
		From("sale_lines").
		Where(squirrel.Eq{"sale_id": saleIDs}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("販売明細取得に失敗しました: %w", classify(err))
	}
	defer rows.Close()

	var lines []inventory.SaleLine
	index := make(map[int64]int)
	for rows.Next() {
		var l inventory.SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.WarehouseID, &l.Quantity, &l.UnitPrice, &l.LineTotal); err != nil {
			return nil, fmt.Errorf("販売明細読み取りに失敗しました: %w", err)
		}
		index[l.ID] = len(lines)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("販売明細取得に失敗しました: %w", classify(err))
	}
	if len(lines) == 0 {
		return lines, nil
	}

	lineIDs := make([]int64, len(lines))
	for i, l := range lines {
		lineIDs[i] = l.ID
	}
	query, args, err = s.builder.Select("sale_line_id", "batch_id", "quantity").
		From("sale_line_batches").
		Where(squirrel.Eq{"sale_line_id": lineIDs}).
		OrderBy("sale_line_id", "batch_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}

	allocRows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("消費バッチ取得に失敗しました: %w", classify(err))
	}
	defer allocRows.Close()

	for allocRows.Next() {
		var lineID int64
		var a inventory.LineAllocation
		if err := allocRows.Scan(&lineID, &a.BatchID, &a.Quantity); err != nil {
			return nil, fmt.Errorf("消費バッチ読み取りに失敗しました: %w", err)
		}
		if i, ok := index[lineID]; ok {
			lines[i].Allocations = append(lines[i].Allocations, a)
		}
	}
	if err := allocRows.Err(); err != nil {
		return nil, fmt.Errorf("消費バッチ取得に失敗しました: %w", classify(err))
	}

	return lines, nil
}

// ProductNames returns display names for the given products
// 商品名を取得
func (s *PostgreSQLStorage) ProductNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	query, args, err := s.builder.Select("id", "name").
		From("products").
		Where(squirrel.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("商品名取得に失敗しました: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("商品名読み取りに失敗しました: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*inventory.Batch, error) {
	var b inventory.Batch
	var expiration sql.NullTime
	var unitCost decimal.NullDecimal

	if err := row.Scan(
		&b.ID,
		&b.ProductID,
		&b.WarehouseID,
		&expiration,
		&b.Quantity,
		&unitCost,
		&b.Active,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if expiration.Valid {
		d := time.Date(expiration.Time.Year(), expiration.Time.Month(), expiration.Time.Day(), 0, 0, 0, 0, time.UTC)
		b.Expiration = &d
	}
	if unitCost.Valid {
		cost := unitCost.Decimal
		b.UnitCost = &cost
	}
	return &b, nil
}

func orderClauses(sort []inventory.SortOrder) ([]string, error) {
	if len(sort) == 0 {
		return []string{"id ASC"}, nil
	}

	clauses := make([]string, 0, len(sort))
	for _, o := range sort {
		switch o.Field {
		case inventory.SortByID, inventory.SortByExpiration, inventory.SortByQuantity,
			inventory.SortByProductID, inventory.SortByWarehouseID:
		default:
			return nil, inventory.NewValidationError("sort", "未対応の並び順です", string(o.Field))
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		clause := string(o.Field) + " " + dir
		if o.Field == inventory.SortByExpiration {
			clause += " NULLS LAST"
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format("2006-01-02")
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func asPQError(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr, true
	}
	return nil, false
}

func isCheckViolation(err error) bool {
	pqErr, ok := asPQError(err)
	return ok && pqErr.Code == "23514"
}

// classify marks transport failures so callers can match ErrStoreUnavailable
// 通信障害をErrStoreUnavailableとして判別可能にする
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return fmt.Errorf("%w: %w", inventory.ErrStoreUnavailable, err)
	}
	return err
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if pqErr, ok := asPQError(err); ok {
		code := string(pqErr.Code)
		// 08: connection exception, 57P: operator intervention
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P")
	}
	return false
}
