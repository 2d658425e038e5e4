// Package ledgerstore provides a SQLite-backed reference Ledger Adapter,
// used by the bundled integration harness and by local testing in place
// of a live chain's JSON-RPC client. It satisfies ledger.Adapter by
// reading blocks and transfers out of its own tables instead of a chain
// node, so the Block Interleaver and Pipeline can be exercised end to
// end against a fixture built by Seed/RecordTransfer.
package ledgerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
)

// Store is a SQLite-backed ledger.Adapter for one chain.
type Store struct {
	db    *sql.DB
	chain config.ChainID

	mu   sync.Mutex
	subs []chan uint64
}

// Config holds the construction parameters for a Store.
type Config struct {
	Chain   config.ChainID
	DataDir string
}

// New opens (creating if necessary) the chain's SQLite database under
// DataDir and initializes its schema.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create ledgerstore data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, fmt.Sprintf("%s.db", cfg.Chain))

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledgerstore db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledgerstore db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, chain: cfg.Chain}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledgerstore schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blocks (
		height    INTEGER PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		hash      TEXT
	);

	CREATE TABLE IF NOT EXISTS transfers (
		id              TEXT NOT NULL,
		direction       INTEGER NOT NULL,
		sender_id       TEXT,
		recipient_id    TEXT,
		amount          INTEGER NOT NULL,
		transfer_data   BLOB,
		height          INTEGER NOT NULL,
		block_timestamp INTEGER NOT NULL,
		PRIMARY KEY (id, direction)
	);
	CREATE INDEX IF NOT EXISTS idx_transfers_height ON transfers(height);

	CREATE TABLE IF NOT EXISTS posted_transactions (
		id                 TEXT PRIMARY KEY,
		target_chain       TEXT NOT NULL,
		amount             INTEGER NOT NULL,
		recipient          TEXT NOT NULL,
		memo               TEXT,
		height             INTEGER NOT NULL,
		timestamp          INTEGER NOT NULL,
		canonical_encoding BLOB,
		public_key         TEXT,
		signatures         TEXT NOT NULL,
		posted_at          INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallet_members (
		wallet_address           TEXT NOT NULL,
		public_key               TEXT NOT NULL,
		member_address           TEXT NOT NULL,
		required_signature_count INTEGER NOT NULL,
		member_count             INTEGER NOT NULL,
		PRIMARY KEY (wallet_address, public_key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Chain returns the chain id this store serves.
func (s *Store) Chain() config.ChainID { return s.chain }

// SeedBlock inserts (or replaces) a block row, used by fixture setup and
// by a production adapter's block-follower loop.
func (s *Store) SeedBlock(ctx context.Context, b ledger.Block) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO blocks (height, timestamp, hash) VALUES (?, ?, ?)`, b.Height, b.Timestamp, b.Hash)
	if err != nil {
		return fmt.Errorf("seed block %d: %w", b.Height, err)
	}
	s.notify(b.Height)
	return nil
}

// RecordTransfer inserts one inbound or outbound transfer row.
func (s *Store) RecordTransfer(ctx context.Context, t ledger.Transfer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO transfers
			(id, direction, sender_id, recipient_id, amount, transfer_data, height, block_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, int(t.Direction), t.SenderID, t.RecipientID, t.Amount, t.TransferData, t.Height, t.BlockTimestamp)
	if err != nil {
		return fmt.Errorf("record transfer %s: %w", t.ID, err)
	}
	return nil
}

// SeedWalletMember registers one federation member for account loading.
func (s *Store) SeedWalletMember(ctx context.Context, walletAddress string, pubKey walletsig.MemberPublicKey, memberAddress walletsig.WalletAddress, requiredSignatureCount, memberCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO wallet_members
			(wallet_address, public_key, member_address, required_signature_count, member_count)
		VALUES (?, ?, ?, ?, ?)`,
		walletAddress, string(pubKey), string(memberAddress), requiredSignatureCount, memberCount)
	if err != nil {
		return fmt.Errorf("seed wallet member: %w", err)
	}
	return nil
}

func (s *Store) LatestHeight(ctx context.Context) (uint64, error) {
	var h sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(height) FROM blocks`).Scan(&h)
	if err != nil {
		return 0, fmt.Errorf("latest height: %w", err)
	}
	if !h.Valid {
		return 0, nil
	}
	return uint64(h.Int64), nil
}

func (s *Store) BlocksInRange(ctx context.Context, from, to uint64, maxBlocks int) ([]ledger.Block, error) {
	query := `SELECT height, timestamp, hash FROM blocks WHERE height > ? AND height <= ? ORDER BY height ASC`
	if maxBlocks > 0 {
		query += fmt.Sprintf(" LIMIT %d", maxBlocks)
	}
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("blocks in range: %w", err)
	}
	defer rows.Close()

	var out []ledger.Block
	for rows.Next() {
		var b ledger.Block
		var hash sql.NullString
		if err := rows.Scan(&b.Height, &b.Timestamp, &hash); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Hash = hash.String
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) BlockAt(ctx context.Context, height uint64) (ledger.Block, error) {
	var b ledger.Block
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT height, timestamp, hash FROM blocks WHERE height = ?`, height).Scan(&b.Height, &b.Timestamp, &hash)
	if err == sql.ErrNoRows {
		return ledger.Block{}, fmt.Errorf("no block at height %d", height)
	}
	if err != nil {
		return ledger.Block{}, fmt.Errorf("block at %d: %w", height, err)
	}
	b.Hash = hash.String
	return b, nil
}

func (s *Store) InboundTransfers(ctx context.Context, height uint64) ([]ledger.Transfer, error) {
	return s.transfersAt(ctx, height, ledger.Inbound)
}

func (s *Store) OutboundTransfers(ctx context.Context, height uint64) ([]ledger.Transfer, error) {
	return s.transfersAt(ctx, height, ledger.Outbound)
}

func (s *Store) transfersAt(ctx context.Context, height uint64, direction ledger.TransferDirection) ([]ledger.Transfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, amount, transfer_data, height, block_timestamp
		FROM transfers WHERE height = ? AND direction = ?`, height, int(direction))
	if err != nil {
		return nil, fmt.Errorf("transfers at %d: %w", height, err)
	}
	defer rows.Close()

	var out []ledger.Transfer
	for rows.Next() {
		t := ledger.Transfer{Direction: direction}
		var sender, recipient sql.NullString
		var data []byte
		if err := rows.Scan(&t.ID, &sender, &recipient, &t.Amount, &data, &t.Height, &t.BlockTimestamp); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		t.SenderID = sender.String
		t.RecipientID = recipient.String
		t.TransferData = data
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) PostTransaction(ctx context.Context, tx *ledger.SignedTransfer) error {
	sigs, err := json.Marshal(tx.Signatures)
	if err != nil {
		return fmt.Errorf("marshal signatures: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO posted_transactions
			(id, target_chain, amount, recipient, memo, height, timestamp, canonical_encoding, public_key, signatures, posted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, string(tx.TargetChain), tx.Amount, tx.Recipient, tx.Memo, tx.Height, tx.Timestamp,
		tx.CanonicalEncoding, string(tx.PublicKey), string(sigs), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("post transaction %s: %w", tx.ID, err)
	}
	return nil
}

// Posted returns every transaction recorded via PostTransaction, oldest
// first, for tests and operator inspection.
func (s *Store) Posted(ctx context.Context) ([]*ledger.SignedTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_chain, amount, recipient, memo, height, timestamp, canonical_encoding, public_key, signatures
		FROM posted_transactions ORDER BY posted_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list posted transactions: %w", err)
	}
	defer rows.Close()

	var out []*ledger.SignedTransfer
	for rows.Next() {
		tx := &ledger.SignedTransfer{}
		var targetChain, pubKey, sigs string
		if err := rows.Scan(&tx.ID, &targetChain, &tx.Amount, &tx.Recipient, &tx.Memo, &tx.Height, &tx.Timestamp, &tx.CanonicalEncoding, &pubKey, &sigs); err != nil {
			return nil, fmt.Errorf("scan posted transaction: %w", err)
		}
		tx.TargetChain = config.ChainID(targetChain)
		tx.PublicKey = walletsig.MemberPublicKey(pubKey)
		if err := json.Unmarshal([]byte(sigs), &tx.Signatures); err != nil {
			return nil, fmt.Errorf("unmarshal signatures for %s: %w", tx.ID, err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) Subscribe(ctx context.Context) (<-chan uint64, error) {
	ch := make(chan uint64, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch, nil
}

func (s *Store) notify(height uint64) {
	s.mu.Lock()
	subs := append([]chan uint64(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- height:
		default:
		}
	}
}

func (s *Store) LoadMultisigWalletInfo(ctx context.Context, chain config.ChainID, walletAddress string) (*walletsig.MultisigWalletInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT public_key, member_address, required_signature_count, member_count
		FROM wallet_members WHERE wallet_address = ?`, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("load wallet members for %s: %w", walletAddress, err)
	}
	defer rows.Close()

	info := &walletsig.MultisigWalletInfo{
		MemberAddresses: make(map[walletsig.MemberPublicKey]walletsig.WalletAddress),
	}
	var required, count int
	for rows.Next() {
		var pubKey, memberAddress string
		if err := rows.Scan(&pubKey, &memberAddress, &required, &count); err != nil {
			return nil, fmt.Errorf("scan wallet member: %w", err)
		}
		key := walletsig.MemberPublicKey(pubKey)
		info.Members = append(info.Members, key)
		info.MemberAddresses[key] = walletsig.WalletAddress(memberAddress)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(info.Members) == 0 {
		return nil, fmt.Errorf("no members registered for wallet %s on chain %s", walletAddress, chain)
	}
	info.RequiredSignatureCount = required
	info.MemberCount = count
	return info, nil
}
