package remote

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/helper"
	"github.com/recicla-hub/recicla-hub/pkg/datamodel"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// Pusher is the remote side of the sync engine. Push applies one mutation,
// Fetch pulls a full collection for the local cache. Both report success as
// a plain bool; the caller decides about retries.
type Pusher interface {
	Push(ctx context.Context, rec *datamodel.MutationRecord) bool
	Fetch(ctx context.Context, entity string) ([]datamodel.CachedRecord, bool)
	IsAvailable() bool
}

// Metrics are the counters surfaced on the status endpoint.
type Metrics struct {
	Pushes        uint64  `json:"pushes"`
	PushFailures  uint64  `json:"push_failures"`
	Fetches       uint64  `json:"fetches"`
	LRUHitPercent float64 `json:"lru_hit_percent"`
}

// pgxPool is the slice of the pgxpool.Pool surface the connection uses.
// Tests substitute a pgxmock pool.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Connection talks to the central depot database over a pgx pool. Material
// ids are resolved through an ARC cache because nearly every comanda item
// references one of a handful of materials.
type Connection struct {
	db           pgxPool
	materialIDs  *lru.ARCCache
	pushes       atomic.Uint64
	pushFailures atomic.Uint64
	fetches      atomic.Uint64
	lruHits      atomic.Uint64
	lruMisses    atomic.Uint64
}

// NewConnection dials the central database using POSTGRES_* environment
// variables and prepares the schema. The pool is handed to the caller; there
// is deliberately no package-level instance.
func NewConnection(ctx context.Context) (*Connection, error) {
	PQHost, err := env.GetAsString("POSTGRES_HOST", false, "db")
	if err != nil {
		return nil, err
	}
	PQPort, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		return nil, err
	}
	PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		return nil, err
	}
	PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		return nil, err
	}
	PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		return nil, err
	}
	PQSSLMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
	if err != nil {
		return nil, err
	}

	zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", PQUser, PQHost, PQPort, PQDBName, PQSSLMode)

	conString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", PQHost, PQPort, PQUser, PQPassword, PQDBName, PQSSLMode)

	dialCtx, cncl := context.WithTimeout(ctx, 5*time.Second)
	defer cncl()
	db, err := pgxpool.New(dialCtx, conString)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to postgres database: %w", err)
	}

	PQLRUSize, err := env.GetAsInt("POSTGRES_LRU_CACHE_SIZE", false, 1000)
	if err != nil {
		return nil, err
	}
	cache, err := lru.NewARC(PQLRUSize)
	if err != nil {
		return nil, err
	}

	c := &Connection{db: db, materialIDs: cache}
	if err = c.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connection) migrate(ctx context.Context) error {
	migrateCtx, cncl := context.WithTimeout(ctx, 10*time.Second)
	defer cncl()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS materiais (
			id BIGSERIAL PRIMARY KEY,
			nome TEXT NOT NULL UNIQUE,
			categoria TEXT NOT NULL DEFAULT '',
			preco_compra_kg NUMERIC NOT NULL DEFAULT 0,
			preco_venda_kg NUMERIC NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS comandas (
			id BIGSERIAL PRIMARY KEY,
			mutation_key TEXT UNIQUE,
			numero TEXT NOT NULL,
			cliente TEXT NOT NULL DEFAULT '',
			tipo TEXT NOT NULL,
			status TEXT NOT NULL,
			total NUMERIC NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS comanda_itens (
			id BIGSERIAL PRIMARY KEY,
			comanda_id BIGINT NOT NULL REFERENCES comandas(id) ON DELETE CASCADE,
			material_id BIGINT NOT NULL REFERENCES materiais(id),
			peso_kg NUMERIC NOT NULL,
			preco_kg NUMERIC NOT NULL,
			subtotal NUMERIC NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vales (
			id BIGSERIAL PRIMARY KEY,
			mutation_key TEXT UNIQUE,
			valor NUMERIC NOT NULL,
			descricao TEXT NOT NULL DEFAULT '',
			cliente TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'aberto',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS despesas (
			id BIGSERIAL PRIMARY KEY,
			mutation_key TEXT UNIQUE,
			descricao TEXT NOT NULL,
			valor NUMERIC NOT NULL,
			categoria TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS pendencias (
			id BIGSERIAL PRIMARY KEY,
			mutation_key TEXT UNIQUE,
			descricao TEXT NOT NULL,
			valor NUMERIC NOT NULL,
			tipo TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'aberta',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS transacoes (
			id BIGSERIAL PRIMARY KEY,
			tipo TEXT NOT NULL,
			material_id BIGINT NOT NULL REFERENCES materiais(id),
			peso_kg NUMERIC NOT NULL,
			valor_total NUMERIC NOT NULL,
			comanda_id BIGINT REFERENCES comandas(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.Exec(migrateCtx, stmt); err != nil {
			return fmt.Errorf("schema preparation failed: %w", err)
		}
	}
	return nil
}

// IsAvailable pings the database with a short deadline.
func (c *Connection) IsAvailable() bool {
	if c.db == nil {
		return false
	}
	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()
	if err := c.db.Ping(ctx); err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

// GetHealthCheck exposes the database liveness for the healthcheck endpoint.
func (c *Connection) GetHealthCheck() healthcheck.Check {
	return func() error {
		if c.IsAvailable() {
			return nil
		}
		return errors.New("central database is unreachable")
	}
}

func (c *Connection) GetMetrics() Metrics {
	hits := c.lruHits.Load()
	misses := c.lruMisses.Load()
	hitPercent := 0.0
	if hits+misses > 0 {
		hitPercent = float64(hits) / float64(hits+misses) * 100
	}
	return Metrics{
		Pushes:        c.pushes.Load(),
		PushFailures:  c.pushFailures.Load(),
		Fetches:       c.fetches.Load(),
		LRUHitPercent: hitPercent,
	}
}

// Push applies one mutation to the central database. The mutation_key column
// is unique, so replaying a create is absorbed by the database even if the
// local ledger was lost.
func (c *Connection) Push(ctx context.Context, rec *datamodel.MutationRecord) bool {
	var err error
	switch rec.EntityType {
	case datamodel.EntityComanda:
		err = c.pushComanda(ctx, rec)
	case datamodel.EntityMaterial:
		err = c.pushMaterial(ctx, rec)
	case datamodel.EntityVale:
		err = c.pushVale(ctx, rec)
	case datamodel.EntityDespesa:
		err = c.pushDespesa(ctx, rec)
	case datamodel.EntityPendencia:
		err = c.pushPendencia(ctx, rec)
	default:
		err = fmt.Errorf("no remote handler for entity type %s", rec.EntityType)
	}
	if err != nil {
		c.pushFailures.Add(1)
		zap.S().Warnw("Push failed", "id", rec.ID, "entity", rec.EntityType, "action", rec.Action, "error", err)
		return false
	}
	c.pushes.Add(1)
	return true
}

func (c *Connection) pushVale(ctx context.Context, rec *datamodel.MutationRecord) error {
	var vale datamodel.Vale
	if err := json.Unmarshal(rec.Payload, &vale); err != nil {
		return err
	}
	switch rec.Action {
	case datamodel.ActionCreate:
		_, err := c.db.Exec(ctx, `INSERT INTO vales (mutation_key, valor, descricao, cliente, status)
			VALUES ($1, $2, $3, $4, COALESCE($5, 'aberto'))
			ON CONFLICT (mutation_key) DO NOTHING`,
			rec.IdempotencyKey, vale.Valor, vale.Descricao, vale.Cliente, helper.StringToNullString(vale.Status))
		return err
	case datamodel.ActionUpdate:
		_, err := c.db.Exec(ctx, `UPDATE vales SET valor = $2, descricao = $3, cliente = $4, status = $5, updated_at = now()
			WHERE id = $1`, vale.ID, vale.Valor, vale.Descricao, vale.Cliente, vale.Status)
		return err
	case datamodel.ActionDelete:
		// Deleting an already deleted row is a no-op, not an error
		_, err := c.db.Exec(ctx, `DELETE FROM vales WHERE id = $1`, vale.ID)
		return err
	}
	return fmt.Errorf("unsupported action %s", rec.Action)
}

func (c *Connection) pushDespesa(ctx context.Context, rec *datamodel.MutationRecord) error {
	var despesa datamodel.Despesa
	if err := json.Unmarshal(rec.Payload, &despesa); err != nil {
		return err
	}
	switch rec.Action {
	case datamodel.ActionCreate:
		_, err := c.db.Exec(ctx, `INSERT INTO despesas (mutation_key, descricao, valor, categoria)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (mutation_key) DO NOTHING`,
			rec.IdempotencyKey, despesa.Descricao, despesa.Valor, despesa.Categoria)
		return err
	case datamodel.ActionUpdate:
		_, err := c.db.Exec(ctx, `UPDATE despesas SET descricao = $2, valor = $3, categoria = $4, updated_at = now()
			WHERE id = $1`, despesa.ID, despesa.Descricao, despesa.Valor, despesa.Categoria)
		return err
	case datamodel.ActionDelete:
		_, err := c.db.Exec(ctx, `DELETE FROM despesas WHERE id = $1`, despesa.ID)
		return err
	}
	return fmt.Errorf("unsupported action %s", rec.Action)
}

func (c *Connection) pushPendencia(ctx context.Context, rec *datamodel.MutationRecord) error {
	var pendencia datamodel.Pendencia
	if err := json.Unmarshal(rec.Payload, &pendencia); err != nil {
		return err
	}
	switch rec.Action {
	case datamodel.ActionCreate:
		_, err := c.db.Exec(ctx, `INSERT INTO pendencias (mutation_key, descricao, valor, tipo, status)
			VALUES ($1, $2, $3, $4, COALESCE($5, 'aberta'))
			ON CONFLICT (mutation_key) DO NOTHING`,
			rec.IdempotencyKey, pendencia.Descricao, pendencia.Valor, pendencia.Tipo, helper.StringToNullString(pendencia.Status))
		return err
	case datamodel.ActionUpdate:
		_, err := c.db.Exec(ctx, `UPDATE pendencias SET descricao = $2, valor = $3, tipo = $4, status = $5, updated_at = now()
			WHERE id = $1`, pendencia.ID, pendencia.Descricao, pendencia.Valor, pendencia.Tipo, pendencia.Status)
		return err
	case datamodel.ActionDelete:
		_, err := c.db.Exec(ctx, `DELETE FROM pendencias WHERE id = $1`, pendencia.ID)
		return err
	}
	return fmt.Errorf("unsupported action %s", rec.Action)
}

func (c *Connection) pushMaterial(ctx context.Context, rec *datamodel.MutationRecord) error {
	var material datamodel.Material
	if err := json.Unmarshal(rec.Payload, &material); err != nil {
		return err
	}
	switch rec.Action {
	case datamodel.ActionCreate, datamodel.ActionUpdate:
		// Materials are keyed by their name across all depots, so create
		// and update collapse onto the same upsert.
		_, err := c.db.Exec(ctx, `INSERT INTO materiais (nome, categoria, preco_compra_kg, preco_venda_kg)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (nome) DO UPDATE SET
				categoria = excluded.categoria,
				preco_compra_kg = excluded.preco_compra_kg,
				preco_venda_kg = excluded.preco_venda_kg,
				updated_at = now()`,
			material.Nome, material.Categoria, material.PrecoCompraKg, material.PrecoVendaKg)
		return err
	case datamodel.ActionDelete:
		c.materialIDs.Remove(material.Nome)
		_, err := c.db.Exec(ctx, `DELETE FROM materiais WHERE nome = $1`, material.Nome)
		return err
	}
	return fmt.Errorf("unsupported action %s", rec.Action)
}

func (c *Connection) pushComanda(ctx context.Context, rec *datamodel.MutationRecord) error {
	var comanda datamodel.Comanda
	if err := json.Unmarshal(rec.Payload, &comanda); err != nil {
		return err
	}
	switch rec.Action {
	case datamodel.ActionCreate:
		return c.insertComanda(ctx, rec.IdempotencyKey, &comanda)
	case datamodel.ActionUpdate:
		_, err := c.db.Exec(ctx, `UPDATE comandas SET cliente = $2, status = $3, total = $4, updated_at = now()
			WHERE id = $1`, comanda.ID, comanda.Cliente, comanda.Status, comanda.Total)
		return err
	case datamodel.ActionDelete:
		_, err := c.db.Exec(ctx, `DELETE FROM comandas WHERE id = $1`, comanda.ID)
		return err
	}
	return fmt.Errorf("unsupported action %s", rec.Action)
}

// insertComanda writes the comanda and its items in one transaction. When a
// replay hits the mutation_key conflict the insert returns no row and the
// whole operation is skipped.
func (c *Connection) insertComanda(ctx context.Context, mutationKey string, comanda *datamodel.Comanda) error {
	txn, err := c.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = txn.Rollback(ctx)
	}()

	var comandaID int64
	err = txn.QueryRow(ctx, `INSERT INTO comandas (mutation_key, numero, cliente, tipo, status, total)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mutation_key) DO NOTHING
		RETURNING id`,
		mutationKey, comanda.Numero, comanda.Cliente, comanda.Tipo, comanda.Status, comanda.Total).Scan(&comandaID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already applied by an earlier attempt
			return nil
		}
		return err
	}

	// Ids resolved inside this transaction. They only reach the shared LRU
	// after the commit succeeds; a rolled back stub insert must not leave a
	// phantom id behind.
	resolved := make(map[string]int64)
	for i := range comanda.Itens {
		item := &comanda.Itens[i]
		materialID, err := c.resolveMaterial(ctx, txn, resolved, item.MaterialNome)
		if err != nil {
			return err
		}
		_, err = txn.Exec(ctx, `INSERT INTO comanda_itens (comanda_id, material_id, peso_kg, preco_kg, subtotal)
			VALUES ($1, $2, $3, $4, $5)`,
			comandaID, materialID, item.PesoKg, item.PrecoKg, item.Subtotal)
		if err != nil {
			return err
		}

		// Finalized comandas feed the transaction history
		if comanda.Status == "finalizada" {
			_, err = txn.Exec(ctx, `INSERT INTO transacoes (tipo, material_id, peso_kg, valor_total, comanda_id)
				VALUES ($1, $2, $3, $4, $5)`,
				comanda.Tipo, materialID, item.PesoKg, item.Subtotal, comandaID)
			if err != nil {
				return err
			}
		}
	}
	if err = txn.Commit(ctx); err != nil {
		return err
	}
	for nome, id := range resolved {
		c.materialIDs.Add(nome, id)
	}
	return nil
}

// resolveMaterial maps a material name to its id: the per-transaction map
// first, then the shared LRU, then the database, inserting a stub row when
// the material is unknown. Fresh ids land only in the transaction map.
func (c *Connection) resolveMaterial(ctx context.Context, txn pgx.Tx, resolved map[string]int64, nome string) (int64, error) {
	if id, hit := resolved[nome]; hit {
		return id, nil
	}
	if id, hit := c.materialIDs.Get(nome); hit {
		c.lruHits.Add(1)
		return id.(int64), nil
	}
	c.lruMisses.Add(1)

	var id int64
	err := txn.QueryRow(ctx, `INSERT INTO materiais (nome)
		VALUES ($1)
		ON CONFLICT (nome) DO UPDATE SET updated_at = materiais.updated_at
		RETURNING id`, nome).Scan(&id)
	if err != nil {
		return 0, err
	}
	resolved[nome] = id
	return id, nil
}

// Fetch pulls the full remote collection for one entity type, encoded as
// the opaque records the local store caches.
func (c *Connection) Fetch(ctx context.Context, entity string) ([]datamodel.CachedRecord, bool) {
	var recs []datamodel.CachedRecord
	var err error
	switch entity {
	case datamodel.EntityComanda:
		recs, err = c.fetchComandas(ctx)
	case datamodel.EntityMaterial:
		recs, err = c.fetchMateriais(ctx)
	case datamodel.EntityVale:
		recs, err = c.fetchVales(ctx)
	case datamodel.EntityDespesa:
		recs, err = c.fetchDespesas(ctx)
	case datamodel.EntityPendencia:
		recs, err = c.fetchPendencias(ctx)
	case datamodel.EntityTransacao:
		recs, err = c.fetchTransacoes(ctx)
	default:
		err = fmt.Errorf("no remote handler for entity type %s", entity)
	}
	if err != nil {
		zap.S().Warnw("Fetch failed", "entity", entity, "error", err)
		return nil, false
	}
	c.fetches.Add(1)
	return recs, true
}

func (c *Connection) fetchMateriais(ctx context.Context) ([]datamodel.CachedRecord, error) {
	rows, err := c.db.Query(ctx, `SELECT id, nome, categoria, preco_compra_kg, preco_venda_kg, created_at, updated_at
		FROM materiais ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]datamodel.CachedRecord, 0)
	for rows.Next() {
		var m datamodel.Material
		if err = rows.Scan(&m.ID, &m.Nome, &m.Categoria, &m.PrecoCompraKg, &m.PrecoVendaKg, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		rec, err := asCachedRecord(m.ID, m.UpdatedAt, m)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (c *Connection) fetchVales(ctx context.Context) ([]datamodel.CachedRecord, error) {
	rows, err := c.db.Query(ctx, `SELECT id, valor, descricao, cliente, status, created_at, updated_at
		FROM vales ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]datamodel.CachedRecord, 0)
	for rows.Next() {
		var v datamodel.Vale
		if err = rows.Scan(&v.ID, &v.Valor, &v.Descricao, &v.Cliente, &v.Status, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		rec, err := asCachedRecord(v.ID, v.UpdatedAt, v)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (c *Connection) fetchDespesas(ctx context.Context) ([]datamodel.CachedRecord, error) {
	rows, err := c.db.Query(ctx, `SELECT id, descricao, valor, categoria, created_at, updated_at
		FROM despesas ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]datamodel.CachedRecord, 0)
	for rows.Next() {
		var d datamodel.Despesa
		if err = rows.Scan(&d.ID, &d.Descricao, &d.Valor, &d.Categoria, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		rec, err := asCachedRecord(d.ID, d.UpdatedAt, d)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (c *Connection) fetchPendencias(ctx context.Context) ([]datamodel.CachedRecord, error) {
	rows, err := c.db.Query(ctx, `SELECT id, descricao, valor, tipo, status, created_at, updated_at
		FROM pendencias ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]datamodel.CachedRecord, 0)
	for rows.Next() {
		var p datamodel.Pendencia
		if err = rows.Scan(&p.ID, &p.Descricao, &p.Valor, &p.Tipo, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		rec, err := asCachedRecord(p.ID, p.UpdatedAt, p)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (c *Connection) fetchTransacoes(ctx context.Context) ([]datamodel.CachedRecord, error) {
	rows, err := c.db.Query(ctx, `SELECT t.id, t.tipo, t.material_id, m.nome, t.peso_kg, t.valor_total, t.comanda_id, t.created_at, t.updated_at
		FROM transacoes t JOIN materiais m ON m.id = t.material_id ORDER BY t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]datamodel.CachedRecord, 0)
	for rows.Next() {
		var t datamodel.Transacao
		if err = rows.Scan(&t.ID, &t.Tipo, &t.MaterialID, &t.MaterialNome, &t.PesoKg, &t.ValorTotal, &t.ComandaID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		rec, err := asCachedRecord(t.ID, t.UpdatedAt, t)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (c *Connection) fetchComandas(ctx context.Context) ([]datamodel.CachedRecord, error) {
	rows, err := c.db.Query(ctx, `SELECT id, numero, cliente, tipo, status, total, created_at, updated_at
		FROM comandas ORDER BY id`)
	if err != nil {
		return nil, err
	}

	comandas := make([]datamodel.Comanda, 0)
	for rows.Next() {
		var cm datamodel.Comanda
		if err = rows.Scan(&cm.ID, &cm.Numero, &cm.Cliente, &cm.Tipo, &cm.Status, &cm.Total, &cm.CreatedAt, &cm.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		comandas = append(comandas, cm)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	recs := make([]datamodel.CachedRecord, 0, len(comandas))
	for i := range comandas {
		if err = c.loadComandaItens(ctx, &comandas[i]); err != nil {
			return nil, err
		}
		rec, err := asCachedRecord(comandas[i].ID, comandas[i].UpdatedAt, comandas[i])
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (c *Connection) loadComandaItens(ctx context.Context, comanda *datamodel.Comanda) error {
	rows, err := c.db.Query(ctx, `SELECT i.id, i.comanda_id, i.material_id, m.nome, i.peso_kg, i.preco_kg, i.subtotal
		FROM comanda_itens i JOIN materiais m ON m.id = i.material_id
		WHERE i.comanda_id = $1 ORDER BY i.id`, comanda.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item datamodel.ComandaItem
		if err = rows.Scan(&item.ID, &item.ComandaID, &item.MaterialID, &item.MaterialNome, &item.PesoKg, &item.PrecoKg, &item.Subtotal); err != nil {
			return err
		}
		comanda.Itens = append(comanda.Itens, item)
	}
	return rows.Err()
}

func asCachedRecord(id int64, updatedAt time.Time, v interface{}) (datamodel.CachedRecord, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return datamodel.CachedRecord{}, err
	}
	return datamodel.CachedRecord{ID: id, Data: data, UpdatedAt: updatedAt}, nil
}

// Close releases the pool.
func (c *Connection) Close() {
	if c.db != nil {
		c.db.Close()
	}
}
