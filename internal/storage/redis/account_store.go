package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	goredis "github.com/redis/go-redis/v9"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/ledger"
)

// Config 描述账户存储的 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// AccountStore 以 Redis 字符串保存账户，实现 ledger.AccountStore。
type AccountStore struct {
	client  goredis.UniversalClient
	prefix  string
	timeout time.Duration
}

type storedAccount struct {
	Owner      [32]byte
	Data       []byte
	Executable bool
}

// NewAccountStore 连接 Redis 并返回账户存储。
func NewAccountStore(ctx context.Context, cfg Config) (*AccountStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewAccountStoreWithClient(client, cfg.Prefix, cfg.Timeout), nil
}

// NewAccountStoreWithClient 复用已有的客户端。
func NewAccountStoreWithClient(client goredis.UniversalClient, prefix string, timeout time.Duration) *AccountStore {
	if prefix == "" {
		prefix = "openproof:account:"
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &AccountStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *AccountStore) key(k solana.PublicKey) string {
	return s.prefix + k.String()
}

// Get 读取账户，不存在时返回 ledger.ErrAccountNotFound。
func (s *AccountStore) Get(ctx context.Context, key solana.PublicKey) (*ledger.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取账户 %s 失败", key))
	}

	var stored storedAccount
	if err := bin.NewBorshDecoder(raw).Decode(&stored); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析账户 %s 失败", key))
	}
	return &ledger.Account{
		Owner:      solana.PublicKeyFromBytes(stored.Owner[:]),
		Data:       stored.Data,
		Executable: stored.Executable,
	}, nil
}

// Commit 在一个事务流水线中写入所有账户。
func (s *AccountStore) Commit(ctx context.Context, writes map[solana.PublicKey]*ledger.Account) error {
	if len(writes) == 0 {
		return nil
	}
	encoded := make(map[string][]byte, len(writes))
	for key, acc := range writes {
		if acc == nil {
			continue
		}
		raw, err := bin.MarshalBorsh(&storedAccount{Owner: [32]byte(acc.Owner), Data: acc.Data, Executable: acc.Executable})
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("编码账户 %s 失败", key))
		}
		encoded[s.key(key)] = raw
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for k, v := range encoded {
			pipe.Set(ctx, k, v, 0)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交账户写入失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *AccountStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ ledger.AccountStore = (*AccountStore)(nil)
