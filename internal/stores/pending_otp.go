package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingRecordVersionV1 = 1
)

var (
	ErrPendingNotFound         = errors.New("pending confirmation not found")
	ErrPendingMismatch         = errors.New("pending confirmation superseded")
	ErrPendingAttemptsExceeded = errors.New("pending confirmation attempts exceeded")
	ErrPendingRedisUnavailable = errors.New("pending confirmation redis unavailable")
)

// PendingOTPRecord is the stored half of a code dispatch: the provider's
// verification id for the phone number the code was sent to.
type PendingOTPRecord struct {
	VerificationID string
	PhoneNumber    string
	CreatedAt      int64
	ExpiresAt      int64
	Attempts       uint16
}

type PendingOTPStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewPendingOTPStore(redisClient redis.UniversalClient, prefix string) *PendingOTPStore {
	if prefix == "" {
		prefix = "afp"
	}
	return &PendingOTPStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *PendingOTPStore) key(flowKey string) string {
	return s.prefix + ":" + flowKey
}

// Save stores record for flowKey, replacing any earlier pending record.
func (s *PendingOTPStore) Save(ctx context.Context, flowKey string, record *PendingOTPRecord, ttl time.Duration) error {
	encoded, err := encodePendingOTPRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(flowKey), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPendingRedisUnavailable, err)
	}
	return nil
}

// Peek returns the pending record without consuming it.
func (s *PendingOTPStore) Peek(ctx context.Context, flowKey string) (*PendingOTPRecord, error) {
	data, err := s.redis.Get(ctx, s.key(flowKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPendingRedisUnavailable, err)
	}

	record, err := decodePendingOTPRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		return nil, ErrPendingNotFound
	}
	return record, nil
}

// Consume deletes the pending record if it still carries verificationID.
func (s *PendingOTPStore) Consume(ctx context.Context, flowKey, verificationID string) (*PendingOTPRecord, error) {
	const maxRetries = 4
	key := s.key(flowKey)

	for i := 0; i < maxRetries; i++ {
		var consumed *PendingOTPRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePendingOTPRecord(data)
			if err != nil {
				return err
			}
			if subtle.ConstantTimeCompare([]byte(record.VerificationID), []byte(verificationID)) != 1 {
				return ErrPendingMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}

			consumed = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrPendingNotFound
			case errors.Is(err, ErrPendingMismatch):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrPendingRedisUnavailable, err)
			}
		}

		return consumed, nil
	}

	return nil, ErrPendingNotFound
}

// RecordFailure counts a rejected code. The record is kept for another try
// until maxAttempts is reached, then deleted. maxAttempts <= 0 disables the
// cap.
func (s *PendingOTPStore) RecordFailure(ctx context.Context, flowKey string, maxAttempts int) (*PendingOTPRecord, error) {
	const maxRetries = 4
	key := s.key(flowKey)

	for i := 0; i < maxRetries; i++ {
		var updatedRecord *PendingOTPRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePendingOTPRecord(data)
			if err != nil {
				return err
			}

			record.Attempts++
			if maxAttempts > 0 && int(record.Attempts) >= maxAttempts {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrPendingAttemptsExceeded
			}

			encoded, err := encodePendingOTPRecord(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SetArgs(ctx, key, encoded, redis.SetArgs{KeepTTL: true})
				return nil
			})
			if err != nil {
				return err
			}

			updatedRecord = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrPendingNotFound
			case errors.Is(err, ErrPendingAttemptsExceeded):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrPendingRedisUnavailable, err)
			}
		}

		return updatedRecord, nil
	}

	return nil, ErrPendingNotFound
}

// Discard removes any pending record for flowKey.
func (s *PendingOTPStore) Discard(ctx context.Context, flowKey string) error {
	if err := s.redis.Del(ctx, s.key(flowKey)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPendingRedisUnavailable, err)
	}
	return nil
}

func encodePendingOTPRecord(record *PendingOTPRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(pendingRecordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.PhoneNumber) > 255 {
		return nil, errors.New("pending record phone number too long")
	}
	buf.WriteByte(byte(len(record.PhoneNumber)))
	buf.WriteString(record.PhoneNumber)

	if len(record.VerificationID) > 65535 {
		return nil, errors.New("pending record verification id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.VerificationID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.VerificationID)

	return buf.Bytes(), nil
}

func decodePendingOTPRecord(data []byte) (*PendingOTPRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != pendingRecordVersionV1 {
		return nil, errors.New("invalid pending record version")
	}

	record := &PendingOTPRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	phoneLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	phone := make([]byte, phoneLen)
	if _, err := io.ReadFull(reader, phone); err != nil {
		return nil, err
	}
	record.PhoneNumber = string(phone)

	var idLen uint16
	if err := binary.Read(reader, binary.BigEndian, &idLen); err != nil {
		return nil, err
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(reader, id); err != nil {
		return nil, err
	}
	record.VerificationID = string(id)

	return record, nil
}
