package remote

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/helper"
	"github.com/recicla-hub/recicla-hub/pkg/datamodel"
	"github.com/stretchr/testify/assert"
)

func CreateMockConnection(t *testing.T) *Connection {
	var c Connection

	materialIDs, err := lru.NewARC(10)
	if err != nil {
		t.Fatalf("Failed to create material id cache: %v", err)
	}
	c.materialIDs = materialIDs

	mocked, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("Failed to create mock connection: %v", err)
	}
	c.db = mocked
	return &c
}

func TestCreateMockConnection(t *testing.T) {
	c := CreateMockConnection(t)
	assert.NotNil(t, c)
	assert.NotNil(t, c.db)
	assert.NotNil(t, c.materialIDs)
}

func comandaRecord(t *testing.T, comanda *datamodel.Comanda) *datamodel.MutationRecord {
	payload, err := json.Marshal(comanda)
	assert.NoError(t, err)
	return &datamodel.MutationRecord{
		ID:             "rec-1",
		IdempotencyKey: "comanda:create:abc",
		EntityType:     datamodel.EntityComanda,
		Action:         datamodel.ActionCreate,
		Payload:        payload,
	}
}

func TestInsertComanda(t *testing.T) {
	helper.InitTestLogging()
	ctx := context.Background()

	comanda := &datamodel.Comanda{
		Numero:  "C-17",
		Cliente: "Dona Marta",
		Tipo:    "compra",
		Status:  "finalizada",
		Total:   42.5,
		Itens: []datamodel.ComandaItem{
			{MaterialNome: "Aluminio", PesoKg: 12.5, PrecoKg: 3.4, Subtotal: 42.5},
		},
	}

	t.Run("create", func(t *testing.T) {
		c := CreateMockConnection(t)
		defer c.db.Close()
		mock, ok := c.db.(pgxmock.PgxPoolIface)
		assert.True(t, ok)

		rec := comandaRecord(t, comanda)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO comandas \(mutation_key, numero, cliente, tipo, status, total\)`).
			WithArgs(rec.IdempotencyKey, "C-17", "Dona Marta", "compra", "finalizada", 42.5).
			WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(11)))
		mock.ExpectQuery(`INSERT INTO materiais \(nome\)`).
			WithArgs("Aluminio").
			WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(7)))
		mock.ExpectExec(`INSERT INTO comanda_itens \(comanda_id, material_id, peso_kg, preco_kg, subtotal\)`).
			WithArgs(int64(11), int64(7), 12.5, 3.4, 42.5).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`INSERT INTO transacoes \(tipo, material_id, peso_kg, valor_total, comanda_id\)`).
			WithArgs("compra", int64(7), 12.5, 42.5, int64(11)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		assert.True(t, c.Push(ctx, rec))
		assert.NoError(t, mock.ExpectationsWereMet())

		// The committed stub id is now shared
		id, hit := c.materialIDs.Get("Aluminio")
		assert.True(t, hit)
		assert.Equal(t, int64(7), id)
	})

	t.Run("replay absorbed by mutation_key", func(t *testing.T) {
		c := CreateMockConnection(t)
		defer c.db.Close()
		mock, ok := c.db.(pgxmock.PgxPoolIface)
		assert.True(t, ok)

		rec := comandaRecord(t, comanda)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO comandas \(mutation_key, numero, cliente, tipo, status, total\)`).
			WithArgs(rec.IdempotencyKey, "C-17", "Dona Marta", "compra", "finalizada", 42.5).
			WillReturnRows(mock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		assert.True(t, c.Push(ctx, rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback leaves material cache clean", func(t *testing.T) {
		c := CreateMockConnection(t)
		defer c.db.Close()
		mock, ok := c.db.(pgxmock.PgxPoolIface)
		assert.True(t, ok)

		rec := comandaRecord(t, comanda)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO comandas \(mutation_key, numero, cliente, tipo, status, total\)`).
			WithArgs(rec.IdempotencyKey, "C-17", "Dona Marta", "compra", "finalizada", 42.5).
			WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(11)))
		mock.ExpectQuery(`INSERT INTO materiais \(nome\)`).
			WithArgs("Aluminio").
			WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(7)))
		mock.ExpectExec(`INSERT INTO comanda_itens \(comanda_id, material_id, peso_kg, preco_kg, subtotal\)`).
			WithArgs(int64(11), int64(7), 12.5, 3.4, 42.5).
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		assert.False(t, c.Push(ctx, rec))
		assert.NoError(t, mock.ExpectationsWereMet())

		// The stub insert was rolled back, so the id must not be reusable
		// by a later retry
		_, hit := c.materialIDs.Get("Aluminio")
		assert.False(t, hit)
	})
}
