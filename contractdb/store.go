package contractdb

import (
	"database/sql"
	"errors"
	"time"

	"github.com/Yawning/aez"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	_ "modernc.org/sqlite"

	"github.com/lightningnetwork/lnd/kvdb"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// classifyMetaError maps a metadata-write failure onto the store's error
// vocabulary: a Postgres integrity-constraint violation means the caller
// tried to insert a contract/channel id that already exists (the upsert
// only absorbs temp-id conflicts), everything else is a transient storage
// failure.
func classifyMetaError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
		return dlcerrors.ErrDuplicateContract
	}
	return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
}

var (
	contractBlobBucket = []byte("contract-blobs")
	channelBlobBucket  = []byte("channel-blobs")
)

// Config selects the metadata and blob backends. MetadataDriver is
// "postgres" or "sqlite"; BlobEncryptionKey, when non-nil, must be exactly
// 48 bytes (aez's key size) and is used to seal every blob at rest.
type Config struct {
	MetadataDriver    string
	MetadataDSN       string
	BlobDBPath        string
	BlobEncryptionKey []byte
}

// aezTagSize is the authentication tag length, in bytes, aez appends to
// every sealed blob.
const aezTagSize = 16

// Store is dlcd's persistence layer: a SQL metadata index plus a kvdb blob
// store, opened together and closed together.
type Store struct {
	meta    *sql.DB
	blob    kvdb.Backend
	aeadKey []byte
}

// Open opens (creating if necessary) both halves of the store and applies
// any pending metadata migrations.
func Open(cfg Config) (*Store, error) {
	meta, err := sql.Open(sqlDriverName(cfg.MetadataDriver), cfg.MetadataDSN)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	if err := meta.Ping(); err != nil {
		meta.Close()
		return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	if err := runMigrations(meta, cfg.MetadataDriver); err != nil {
		meta.Close()
		return nil, err
	}

	blobDB, err := kvdb.Create(kvdb.BoltBackendName, cfg.BlobDBPath, true, kvdb.DefaultDBTimeout)
	if err != nil {
		meta.Close()
		return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	if err := kvdb.Update(blobDB, func(tx kvdb.RwTx) error {
		if _, err := tx.CreateTopLevelBucket(contractBlobBucket); err != nil {
			return err
		}
		_, err := tx.CreateTopLevelBucket(channelBlobBucket)
		return err
	}, func() {}); err != nil {
		meta.Close()
		blobDB.Close()
		return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}

	s := &Store{meta: meta, blob: blobDB}
	if len(cfg.BlobEncryptionKey) > 0 {
		s.aeadKey = cfg.BlobEncryptionKey
	}
	return s, nil
}

func sqlDriverName(name string) string {
	switch name {
	case "postgres":
		return "pgx"
	case "sqlite":
		return "sqlite"
	default:
		return name
	}
}

// Close releases both halves of the store.
func (s *Store) Close() error {
	blobErr := s.blob.Close()
	metaErr := s.meta.Close()
	if blobErr != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, blobErr)
	}
	if metaErr != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, metaErr)
	}
	return nil
}

// seal encrypts plaintext under a fixed nonce: AEZ is specifically designed
// to degrade gracefully (to deterministic-but-still-confidential) rather
// than catastrophically under nonce reuse, which is what lets this store
// avoid threading a per-blob nonce through the metadata table.
func (s *Store) seal(plaintext []byte) []byte {
	if s.aeadKey == nil {
		return plaintext
	}
	var nonce [16]byte
	return aez.Encrypt(s.aeadKey, nonce[:], nil, aezTagSize, plaintext, nil)
}

func (s *Store) open(ciphertext []byte) ([]byte, error) {
	if s.aeadKey == nil {
		return ciphertext, nil
	}
	var nonce [16]byte
	plaintext, ok := aez.Decrypt(s.aeadKey, nonce[:], nil, aezTagSize, ciphertext, nil)
	if !ok {
		return nil, dlcerrors.New(dlcerrors.KindStorageError, "contract blob failed to decrypt")
	}
	return plaintext, nil
}

// PutContract inserts or updates both the metadata row and the blob for c.
func (s *Store) PutContract(c *dlc.Contract) error {
	blob, err := EncodeContract(c)
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	sealed := s.seal(blob)

	key := contractBlobKey(c)
	if err := kvdb.Update(s.blob, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(contractBlobBucket)
		return bucket.Put(key, sealed)
	}, func() {}); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}

	var counterpartyBytes []byte
	if c.CounterpartyPubKey != nil {
		counterpartyBytes = c.CounterpartyPubKey.SerializeCompressed()
	}
	idBytes := c.TempID[:]
	if c.ID != nil {
		idBytes = c.ID[:]
	}
	_, err = s.meta.Exec(`
		INSERT INTO contracts (contract_id, temp_contract_id, counterparty_pubkey,
			is_offerer, state, offer_collateral, accept_collateral, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (temp_contract_id) DO UPDATE SET
			contract_id = EXCLUDED.contract_id,
			state = EXCLUDED.state,
			offer_collateral = EXCLUDED.offer_collateral,
			accept_collateral = EXCLUDED.accept_collateral,
			updated_at = EXCLUDED.updated_at
	`, idBytes, c.TempID[:], counterpartyBytes, c.IsOfferer, c.State,
		int64(c.OfferCollateral), int64(c.AcceptCollateral), time.Now().UTC())
	return classifyMetaError(err)
}

// contractBlobKey keys every blob by the temp id: it is the one identity a
// contract carries from Offered to its terminal state, so the blob never
// moves when the final id is assigned mid-handshake. Lookups by final id
// resolve through the metadata index instead (see resolveTempID).
func contractBlobKey(c *dlc.Contract) []byte {
	return c.TempID[:]
}

// resolveTempID maps a (temp or final) contract id to the temp id the blob
// is stored under. A temp id resolves to itself.
func (s *Store) resolveTempID(id []byte) ([]byte, error) {
	var tempID []byte
	err := s.meta.QueryRow(
		`SELECT temp_contract_id FROM contracts
		 WHERE contract_id = $1 OR temp_contract_id = $1`, id,
	).Scan(&tempID)
	if err == sql.ErrNoRows {
		return nil, dlcerrors.ErrContractNotFound
	}
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	return tempID, nil
}

// DeleteContract removes both the metadata row and the blob for the
// contract identified by id. Per spec.md §3, a contract is deleted only on
// explicit reject of an offer; every other terminal state is retained for
// diagnosis.
func (s *Store) DeleteContract(id []byte) error {
	tempID, err := s.resolveTempID(id)
	if err != nil {
		return err
	}
	if err := kvdb.Update(s.blob, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(contractBlobBucket)
		return bucket.Delete(tempID)
	}, func() {}); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}

	if _, err := s.meta.Exec(
		`DELETE FROM contracts WHERE contract_id = $1 OR temp_contract_id = $1`, id,
	); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	return nil
}

// GetContract fetches a contract blob by its (temp or final) id.
func (s *Store) GetContract(id []byte) (*dlc.Contract, error) {
	var sealed []byte
	err := kvdb.View(s.blob, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(contractBlobBucket)
		v := bucket.Get(id)
		if v == nil {
			return dlcerrors.ErrContractNotFound
		}
		sealed = append([]byte(nil), v...)
		return nil
	}, func() {})
	if err == dlcerrors.ErrContractNotFound {
		// A final id isn't the blob key; map it back to the temp id
		// through the metadata index.
		tempID, rerr := s.resolveTempID(id)
		if rerr != nil {
			return nil, rerr
		}
		err = kvdb.View(s.blob, func(tx kvdb.RTx) error {
			bucket := tx.ReadBucket(contractBlobBucket)
			v := bucket.Get(tempID)
			if v == nil {
				return dlcerrors.ErrContractNotFound
			}
			sealed = append([]byte(nil), v...)
			return nil
		}, func() {})
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	c, err := DecodeContract(plaintext)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	return c, nil
}

// ContractsByState returns every contract metadata row in the given state;
// the manager uses this for its periodic_check sweep.
func (s *Store) ContractsByState(state dlc.State) ([]*dlc.Contract, error) {
	rows, err := s.meta.Query(
		`SELECT contract_id FROM contracts WHERE state = $1`, state)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	defer rows.Close()

	var ids [][]byte
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, ErrNoActiveContracts
	}

	contracts := make([]*dlc.Contract, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetContract(id)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, nil
}

// ContractsByCounterparty returns every contract with the given
// counterparty public key, used by the CLI's per-peer listing.
func (s *Store) ContractsByCounterparty(pub *btcec.PublicKey) ([]*dlc.Contract, error) {
	rows, err := s.meta.Query(
		`SELECT contract_id FROM contracts WHERE counterparty_pubkey = $1`,
		pub.SerializeCompressed())
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	defer rows.Close()

	var contracts []*dlc.Contract
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
		}
		c, err := s.GetContract(id)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, nil
}

// PutChannel inserts or updates a DLC channel's metadata row and blob.
func (s *Store) PutChannel(ch *dlc.DLCChannel) error {
	blob, err := EncodeChannel(ch)
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	sealed := s.seal(blob)

	if err := kvdb.Update(s.blob, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(channelBlobBucket)
		return bucket.Put(ch.ID[:], sealed)
	}, func() {}); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}

	var counterpartyBytes []byte
	if ch.CounterpartyPubKey != nil {
		counterpartyBytes = ch.CounterpartyPubKey.SerializeCompressed()
	}
	_, err = s.meta.Exec(`
		INSERT INTO dlc_channels (channel_id, counterparty_pubkey, is_offerer,
			state, update_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id) DO UPDATE SET
			state = EXCLUDED.state,
			update_index = EXCLUDED.update_index,
			updated_at = EXCLUDED.updated_at
	`, ch.ID[:], counterpartyBytes, ch.IsOfferer, ch.State, int64(ch.UpdateIndex),
		time.Now().UTC())
	return classifyMetaError(err)
}

// GetChannel fetches a DLC channel blob by its channel id.
func (s *Store) GetChannel(id dlc.ChannelID) (*dlc.DLCChannel, error) {
	var sealed []byte
	err := kvdb.View(s.blob, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(channelBlobBucket)
		v := bucket.Get(id[:])
		if v == nil {
			return dlcerrors.ErrChannelNotFound
		}
		sealed = append([]byte(nil), v...)
		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}

	plaintext, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	ch, err := DecodeChannel(plaintext)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	return ch, nil
}
