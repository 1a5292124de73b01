package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/security"
	"github.com/roost-io/roost/pkg/types"
)

var (
	// Bucket names
	bucketHosts        = []byte("hosts")
	bucketNodes        = []byte("nodes")
	bucketApplications = []byte("applications")
	bucketDeployLogs   = []byte("deploy_logs")
	bucketBackups      = []byte("backups")
	bucketAudit        = []byte("audit")
	bucketSettings     = []byte("settings")
	bucketJobs         = []byte("jobs")
)

// BoltStore implements Store using bbolt. Credential fields are encrypted
// before they reach disk and decrypted on read.
type BoltStore struct {
	db     *bolt.DB
	cipher *security.Cipher

	mu    sync.Mutex
	locks map[string]*sync.Mutex // application row locks
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string, cipher *security.Cipher) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "roost.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketHosts,
			bucketNodes,
			bucketApplications,
			bucketDeployLogs,
			bucketBackups,
			bucketAudit,
			bucketSettings,
			bucketJobs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:     db,
		cipher: cipher,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// WithAppLock serializes mutators of a single application.
func (s *BoltStore) WithAppLock(appID string, fn func() error) error {
	s.mu.Lock()
	l, ok := s.locks[appID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[appID] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

// --- Hosts ---

func (s *BoltStore) CreateHost(host *types.ProxmoxHost) error {
	enc, err := s.encryptHost(host)
	if err != nil {
		return err
	}
	if host.CreatedAt.IsZero() {
		enc.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		if enc.Default {
			// At most one host may be the default.
			if err := clearDefaultHost(b); err != nil {
				return err
			}
		}
		data, err := json.Marshal(enc)
		if err != nil {
			return err
		}
		return b.Put([]byte(enc.ID), data)
	})
}

func (s *BoltStore) GetHost(id string) (*types.ProxmoxHost, error) {
	var host types.ProxmoxHost
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("host", id)
		}
		return json.Unmarshal(data, &host)
	})
	if err != nil {
		return nil, err
	}
	return s.decryptHost(&host)
}

func (s *BoltStore) GetDefaultHost() (*types.ProxmoxHost, error) {
	hosts, err := s.ListHosts()
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if h.Default && h.Active {
			return h, nil
		}
	}
	return nil, errdefs.NotFound("host", "default")
}

func (s *BoltStore) ListHosts() ([]*types.ProxmoxHost, error) {
	var hosts []*types.ProxmoxHost
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.ForEach(func(k, v []byte) error {
			var host types.ProxmoxHost
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			dec, err := s.decryptHost(&host)
			if err != nil {
				return err
			}
			hosts = append(hosts, dec)
			return nil
		})
	})
	return hosts, err
}

func (s *BoltStore) UpdateHost(host *types.ProxmoxHost) error {
	enc, err := s.encryptHost(host)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		if b.Get([]byte(enc.ID)) == nil {
			return errdefs.NotFound("host", enc.ID)
		}
		if enc.Default {
			if err := clearDefaultHost(b); err != nil {
				return err
			}
		}
		data, err := json.Marshal(enc)
		if err != nil {
			return err
		}
		return b.Put([]byte(enc.ID), data)
	})
}

// DeleteHost refuses while applications still reference the host; the
// application's (host_id, node_name) reference must never dangle.
func (s *BoltStore) DeleteHost(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		apps := tx.Bucket(bucketApplications)
		var referenced bool
		_ = apps.ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			if app.HostID == id {
				referenced = true
			}
			return nil
		})
		if referenced {
			return errdefs.Conflict("host", id)
		}

		// Cascade the node cache.
		nodes := tx.Bucket(bucketNodes)
		c := nodes.Cursor()
		prefix := []byte(id + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := nodes.Delete(k); err != nil {
				return err
			}
		}

		return tx.Bucket(bucketHosts).Delete([]byte(id))
	})
}

func clearDefaultHost(b *bolt.Bucket) error {
	type kv struct {
		k []byte
		v []byte
	}
	var updates []kv
	err := b.ForEach(func(k, v []byte) error {
		var host types.ProxmoxHost
		if err := json.Unmarshal(v, &host); err != nil {
			return err
		}
		if host.Default {
			host.Default = false
			data, err := json.Marshal(&host)
			if err != nil {
				return err
			}
			updates = append(updates, kv{append([]byte(nil), k...), data})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := b.Put(u.k, u.v); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) encryptHost(host *types.ProxmoxHost) (*types.ProxmoxHost, error) {
	enc := *host
	var err error
	if enc.TokenSecret, err = s.cipher.EncryptString(host.TokenSecret); err != nil {
		return nil, err
	}
	if enc.Password, err = s.cipher.EncryptString(host.Password); err != nil {
		return nil, err
	}
	if enc.SSHPassword, err = s.cipher.EncryptString(host.SSHPassword); err != nil {
		return nil, err
	}
	return &enc, nil
}

func (s *BoltStore) decryptHost(host *types.ProxmoxHost) (*types.ProxmoxHost, error) {
	dec := *host
	var err error
	if dec.TokenSecret, err = s.cipher.DecryptString(host.TokenSecret); err != nil {
		return nil, err
	}
	if dec.Password, err = s.cipher.DecryptString(host.Password); err != nil {
		return nil, err
	}
	if dec.SSHPassword, err = s.cipher.DecryptString(host.SSHPassword); err != nil {
		return nil, err
	}
	return &dec, nil
}

// --- Nodes ---

func nodeKey(hostID, name string) []byte {
	return []byte(hostID + "/" + name)
}

func (s *BoltStore) UpsertNode(node *types.ProxmoxNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(nodeKey(node.HostID, node.Name), data)
	})
}

func (s *BoltStore) GetNode(hostID, name string) (*types.ProxmoxNode, error) {
	var node types.ProxmoxNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get(nodeKey(hostID, name))
		if data == nil {
			return errdefs.NotFound("node", name)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes(hostID string) ([]*types.ProxmoxNode, error) {
	var nodes []*types.ProxmoxNode
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNodes).Cursor()
		prefix := []byte(hostID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var node types.ProxmoxNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
		}
		return nil
	})
	return nodes, err
}

func (s *BoltStore) DeleteNodes(hostID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		c := b.Cursor()
		prefix := []byte(hostID + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Applications ---

func (s *BoltStore) CreateApplication(app *types.Application) error {
	if !InitialStatusAllowed(app.Status) {
		return errdefs.StateInvalid("(new)", string(app.Status))
	}
	enc := *app
	var err error
	if enc.RootPassword, err = s.cipher.EncryptString(app.RootPassword); err != nil {
		return err
	}
	now := time.Now()
	enc.CreatedAt = now
	enc.UpdatedAt = now
	enc.StateChangedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		// Hostname is globally unique.
		var taken bool
		_ = b.ForEach(func(k, v []byte) error {
			var existing types.Application
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Hostname == enc.Hostname {
				taken = true
			}
			return nil
		})
		if taken {
			return errdefs.Conflict("hostname", enc.Hostname)
		}
		data, err := json.Marshal(&enc)
		if err != nil {
			return err
		}
		return b.Put([]byte(enc.ID), data)
	})
}

func (s *BoltStore) GetApplication(id string) (*types.Application, error) {
	var app types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("application", id)
		}
		return json.Unmarshal(data, &app)
	})
	if err != nil {
		return nil, err
	}
	return s.decryptApp(&app)
}

func (s *BoltStore) GetApplicationByHostname(hostname string) (*types.Application, error) {
	apps, err := s.ListApplications()
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		if app.Hostname == hostname {
			return app, nil
		}
	}
	return nil, errdefs.NotFound("application", hostname)
}

func (s *BoltStore) GetApplicationByVMID(vmid int) (*types.Application, error) {
	if vmid == 0 {
		return nil, errdefs.NotFound("application", "vmid 0")
	}
	apps, err := s.ListApplications()
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		if app.VMID == vmid {
			return app, nil
		}
	}
	return nil, errdefs.NotFound("application", fmt.Sprintf("vmid %d", vmid))
}

func (s *BoltStore) ListApplications() ([]*types.Application, error) {
	var apps []*types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		return b.ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			dec, err := s.decryptApp(&app)
			if err != nil {
				return err
			}
			apps = append(apps, dec)
			return nil
		})
	})
	return apps, err
}

func (s *BoltStore) ListApplicationsByHost(hostID string) ([]*types.Application, error) {
	apps, err := s.ListApplications()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Application
	for _, app := range apps {
		if app.HostID == hostID {
			filtered = append(filtered, app)
		}
	}
	return filtered, nil
}

// UpdateApplication writes every field except Status and StateChangedAt,
// which only Transition may touch.
func (s *BoltStore) UpdateApplication(app *types.Application) error {
	enc := *app
	var err error
	if enc.RootPassword, err = s.cipher.EncryptString(app.RootPassword); err != nil {
		return err
	}
	enc.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		data := b.Get([]byte(enc.ID))
		if data == nil {
			return errdefs.NotFound("application", enc.ID)
		}
		var current types.Application
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		// Status writes outside Transition are a bug.
		enc.Status = current.Status
		enc.StateChangedAt = current.StateChangedAt

		out, err := json.Marshal(&enc)
		if err != nil {
			return err
		}
		return b.Put([]byte(enc.ID), out)
	})
}

func (s *BoltStore) DeleteApplication(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Cascade deployment logs.
		logs := tx.Bucket(bucketDeployLogs)
		c := logs.Cursor()
		prefix := []byte(id + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := logs.Delete(k); err != nil {
				return err
			}
		}

		// Cascade backup rows.
		backups := tx.Bucket(bucketBackups)
		var toDelete [][]byte
		_ = backups.ForEach(func(k, v []byte) error {
			var b types.Backup
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if b.ApplicationID == id {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range toDelete {
			if err := backups.Delete(k); err != nil {
				return err
			}
		}

		return tx.Bucket(bucketApplications).Delete([]byte(id))
	})
}

func (s *BoltStore) decryptApp(app *types.Application) (*types.Application, error) {
	dec := *app
	var err error
	if dec.RootPassword, err = s.cipher.DecryptString(app.RootPassword); err != nil {
		return nil, err
	}
	return &dec, nil
}

// Transition moves the application through the state machine. The row is
// re-read inside the transaction so a stale caller cannot clobber a state
// that moved underneath it.
func (s *BoltStore) Transition(appID string, from, to types.AppStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		data := b.Get([]byte(appID))
		if data == nil {
			return errdefs.NotFound("application", appID)
		}
		var app types.Application
		if err := json.Unmarshal(data, &app); err != nil {
			return err
		}
		if app.Status != from {
			return errdefs.StateInvalid(string(app.Status), string(to))
		}
		if !TransitionAllowed(from, to) {
			return errdefs.StateInvalid(string(from), string(to))
		}

		now := time.Now()
		if now.Before(app.StateChangedAt) {
			now = app.StateChangedAt
		}
		app.Status = to
		app.StateChangedAt = now
		app.UpdatedAt = now

		out, err := json.Marshal(&app)
		if err != nil {
			return err
		}
		return b.Put([]byte(appID), out)
	})
}

// --- Port allocation ---

// AllocatePorts assigns the smallest free port in each range. Sequential-
// first keeps allocations predictable when debugging.
func (s *BoltStore) AllocatePorts(appID string, public, internal PortRange) (int, int, error) {
	var pub, internalPort int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		data := b.Get([]byte(appID))
		if data == nil {
			return errdefs.NotFound("application", appID)
		}
		var app types.Application
		if err := json.Unmarshal(data, &app); err != nil {
			return err
		}

		usedPub := make(map[int]bool)
		usedInt := make(map[int]bool)
		if err := b.ForEach(func(k, v []byte) error {
			var other types.Application
			if err := json.Unmarshal(v, &other); err != nil {
				return err
			}
			if other.PublicPort != 0 {
				usedPub[other.PublicPort] = true
			}
			if other.InternalPort != 0 {
				usedInt[other.InternalPort] = true
			}
			return nil
		}); err != nil {
			return err
		}

		pub = smallestFree(public, usedPub)
		if pub == 0 {
			return errdefs.New(errdefs.KindPortsExhausted, "no free port in public range [%d, %d]", public.Lo, public.Hi)
		}
		internalPort = smallestFree(internal, usedInt)
		if internalPort == 0 {
			return errdefs.New(errdefs.KindPortsExhausted, "no free port in internal range [%d, %d]", internal.Lo, internal.Hi)
		}

		app.PublicPort = pub
		app.InternalPort = internalPort
		app.UpdatedAt = time.Now()
		out, err := json.Marshal(&app)
		if err != nil {
			return err
		}
		return b.Put([]byte(appID), out)
	})
	if err != nil {
		return 0, 0, err
	}
	return pub, internalPort, nil
}

func smallestFree(r PortRange, used map[int]bool) int {
	for p := r.Lo; p <= r.Hi; p++ {
		if !used[p] {
			return p
		}
	}
	return 0
}

func (s *BoltStore) ReleasePorts(appID string) error {
	return s.mutateApp(appID, func(app *types.Application) error {
		app.PublicPort = 0
		app.InternalPort = 0
		return nil
	})
}

// --- VMID acquisition ---

// AcquireVMID assigns the candidate unless another row holds it. A
// conflicting row stuck in error is reclaimed: its VMID is cleared and the
// candidate taken.
func (s *BoltStore) AcquireVMID(appID string, candidate int) error {
	if candidate == 0 {
		return errdefs.New(errdefs.KindVMIDAcquisitionFailed, "candidate VMID is zero")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		data := b.Get([]byte(appID))
		if data == nil {
			return errdefs.NotFound("application", appID)
		}
		var app types.Application
		if err := json.Unmarshal(data, &app); err != nil {
			return err
		}

		var conflictKey []byte
		var conflict types.Application
		if err := b.ForEach(func(k, v []byte) error {
			var other types.Application
			if err := json.Unmarshal(v, &other); err != nil {
				return err
			}
			if other.ID != appID && other.VMID == candidate {
				conflictKey = append([]byte(nil), k...)
				conflict = other
			}
			return nil
		}); err != nil {
			return err
		}

		if conflictKey != nil {
			if conflict.Status != types.StatusError {
				return errdefs.Conflict("vmid", fmt.Sprintf("%d", candidate))
			}
			conflict.VMID = 0
			conflict.UpdatedAt = time.Now()
			out, err := json.Marshal(&conflict)
			if err != nil {
				return err
			}
			if err := b.Put(conflictKey, out); err != nil {
				return err
			}
		}

		app.VMID = candidate
		app.UpdatedAt = time.Now()
		out, err := json.Marshal(&app)
		if err != nil {
			return err
		}
		return b.Put([]byte(appID), out)
	})
}

func (s *BoltStore) ClearVMID(appID string) error {
	return s.mutateApp(appID, func(app *types.Application) error {
		app.VMID = 0
		return nil
	})
}

// mutateApp applies fn to the raw row in one transaction, bypassing the
// encrypt/decrypt round trip (fn must not touch encrypted fields).
func (s *BoltStore) mutateApp(appID string, fn func(*types.Application) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		data := b.Get([]byte(appID))
		if data == nil {
			return errdefs.NotFound("application", appID)
		}
		var app types.Application
		if err := json.Unmarshal(data, &app); err != nil {
			return err
		}
		if err := fn(&app); err != nil {
			return err
		}
		app.UpdatedAt = time.Now()
		out, err := json.Marshal(&app)
		if err != nil {
			return err
		}
		return b.Put([]byte(appID), out)
	})
}

// --- Deployment log ---

func (s *BoltStore) AppendDeploymentLog(entry *types.DeploymentLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployLogs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 0, len(entry.ApplicationID)+9)
		key = append(key, []byte(entry.ApplicationID+"/")...)
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], seq)
		key = append(key, seqBuf[:]...)

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListDeploymentLogs(appID string) ([]*types.DeploymentLogEntry, error) {
	var entries []*types.DeploymentLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeployLogs).Cursor()
		prefix := []byte(appID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e types.DeploymentLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

// --- Backups ---

func (s *BoltStore) CreateBackup(b *types.Backup) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBackups)
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(b.ID), data)
	})
}

func (s *BoltStore) GetBackup(id string) (*types.Backup, error) {
	var backup types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("backup", id)
		}
		return json.Unmarshal(data, &backup)
	})
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) ListBackups(appID string) ([]*types.Backup, error) {
	var backups []*types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		return b.ForEach(func(k, v []byte) error {
			var backup types.Backup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			if appID == "" || backup.ApplicationID == appID {
				backups = append(backups, &backup)
			}
			return nil
		})
	})
	return backups, err
}

func (s *BoltStore) UpdateBackup(b *types.Backup) error {
	return s.CreateBackup(b)
}

func (s *BoltStore) DeleteBackup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).Delete([]byte(id))
	})
}

// --- Audit log ---

func (s *BoltStore) AppendAudit(entry *types.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(key[:], data)
	})
}

func (s *BoltStore) ListAudit(limit int) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e types.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

// --- Settings ---

func (s *BoltStore) GetSetting(key string) (*types.Setting, error) {
	var setting types.Setting
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		data := b.Get([]byte(key))
		if data == nil {
			return errdefs.NotFound("setting", key)
		}
		return json.Unmarshal(data, &setting)
	})
	if err != nil {
		return nil, err
	}
	if setting.Sensitive {
		value, err := s.cipher.DecryptString(setting.Value)
		if err != nil {
			return nil, err
		}
		setting.Value = value
	}
	return &setting, nil
}

func (s *BoltStore) PutSetting(setting *types.Setting) error {
	stored := *setting
	if stored.Sensitive {
		value, err := s.cipher.EncryptString(setting.Value)
		if err != nil {
			return err
		}
		stored.Value = value
	}
	stored.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return b.Put([]byte(stored.Key), data)
	})
}

// --- Jobs ---

func (s *BoltStore) SaveJob(job *types.JobRecord) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.JobID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.JobRecord, error) {
	var job types.JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("job", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.JobRecord, error) {
	var jobs []*types.JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.JobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}
