package datamodel

import (
	"time"

	"github.com/goccy/go-json"
)

// Entity type names used as collection keys in the local store and as the
// EntityType of queued mutations. The mutation set is closed: transacoes are
// a read-only projection filled by pull refresh and never enqueued.
const (
	EntityComanda   = "comanda"
	EntityMaterial  = "material"
	EntityVale      = "vale"
	EntityDespesa   = "despesa"
	EntityPendencia = "pendencia"
	EntityTransacao = "transacao"
)

// MutableEntityTypes lists the entity types that may appear in a MutationRecord.
var MutableEntityTypes = []string{
	EntityComanda,
	EntityMaterial,
	EntityVale,
	EntityDespesa,
	EntityPendencia,
}

// SyncedEntityTypes lists every entity type kept in the local cache and
// refreshed from the central database, including the read-only projections.
var SyncedEntityTypes = []string{
	EntityComanda,
	EntityMaterial,
	EntityVale,
	EntityDespesa,
	EntityPendencia,
	EntityTransacao,
}

// IsMutableEntityType reports whether entityType belongs to the closed mutation set.
func IsMutableEntityType(entityType string) bool {
	for _, e := range MutableEntityTypes {
		if e == entityType {
			return true
		}
	}
	return false
}

type Material struct {
	ID            int64     `json:"id"`
	Nome          string    `json:"nome"`
	Categoria     string    `json:"categoria"`
	PrecoCompraKg float64   `json:"preco_compra_kg"`
	PrecoVendaKg  float64   `json:"preco_venda_kg"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Transacao struct {
	ID           int64     `json:"id"`
	Tipo         string    `json:"tipo"` // compra | venda
	MaterialID   int64     `json:"material_id"`
	MaterialNome string    `json:"material_nome"`
	PesoKg       float64   `json:"peso_kg"`
	ValorTotal   float64   `json:"valor_total"`
	ComandaID    *int64    `json:"comanda_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Vale struct {
	ID        int64     `json:"id"`
	Valor     float64   `json:"valor"`
	Descricao string    `json:"descricao"`
	Cliente   string    `json:"cliente"`
	Status    string    `json:"status"` // aberto | descontado
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Despesa struct {
	ID        int64     `json:"id"`
	Descricao string    `json:"descricao"`
	Valor     float64   `json:"valor"`
	Categoria string    `json:"categoria"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Pendencia struct {
	ID        int64     `json:"id"`
	Descricao string    `json:"descricao"`
	Valor     float64   `json:"valor"`
	Tipo      string    `json:"tipo"`
	Status    string    `json:"status"` // aberta | resolvida
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Comanda struct {
	ID        int64         `json:"id"`
	Numero    string        `json:"numero"`
	Cliente   string        `json:"cliente"`
	Tipo      string        `json:"tipo"`   // compra | venda
	Status    string        `json:"status"` // aberta | finalizada | cancelada
	Total     float64       `json:"total"`
	Itens     []ComandaItem `json:"itens,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type ComandaItem struct {
	ID           int64   `json:"id"`
	ComandaID    int64   `json:"comanda_id"`
	MaterialID   int64   `json:"material_id"`
	MaterialNome string  `json:"material_nome"`
	PesoKg       float64 `json:"peso_kg"`
	PrecoKg      float64 `json:"preco_kg"`
	Subtotal     float64 `json:"subtotal"`
}

// SyncMetadata records the last successful pull refresh per entity type.
// It decides whether the local cache can be trusted or a full remote
// resync is warranted.
type SyncMetadata struct {
	EntityType        string    `json:"entity_type"`
	LastSyncTimestamp time.Time `json:"last_sync_timestamp"`
}

// CachedRecord is the unit the local store persists per entity: an opaque
// JSON document plus its locally assigned identifier. The store never
// interprets Data beyond storing it.
type CachedRecord struct {
	ID        int64           `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}
