package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	credentialFormatVersionCurrent = 2
	credentialFormatVersionV1      = 1
)

// Credential is the persisted platform credential for one profile.
type Credential struct {
	UID          string
	ProviderID   string
	IDToken      string
	RefreshToken string
	ExpiresAt    int64
	Anonymous    bool
}

// Encode serializes c into the current binary format.
func Encode(c *Credential) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(credentialFormatVersionCurrent)

	if err := writeShort(&buf, "uid", c.UID); err != nil {
		return nil, err
	}
	if err := writeShort(&buf, "provider", c.ProviderID); err != nil {
		return nil, err
	}
	if err := writeLong(&buf, "id token", c.IDToken); err != nil {
		return nil, err
	}
	if err := writeLong(&buf, "refresh token", c.RefreshToken); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, c.ExpiresAt); err != nil {
		return nil, err
	}

	var flags byte
	if c.Anonymous {
		flags |= 1
	}
	buf.WriteByte(flags)

	return buf.Bytes(), nil
}

// Decode parses a credential blob. Version 1 blobs carry no flags byte and
// decode with Anonymous=false.
func Decode(data []byte) (*Credential, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != credentialFormatVersionCurrent && version != credentialFormatVersionV1 {
		return nil, fmt.Errorf("unsupported credential format version %d", version)
	}

	c := &Credential{}
	if c.UID, err = readShort(r); err != nil {
		return nil, err
	}
	if c.ProviderID, err = readShort(r); err != nil {
		return nil, err
	}
	if c.IDToken, err = readLong(r); err != nil {
		return nil, err
	}
	if c.RefreshToken, err = readLong(r); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &c.ExpiresAt); err != nil {
		return nil, err
	}

	if version >= credentialFormatVersionCurrent {
		flags, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		c.Anonymous = flags&1 != 0
	}

	if r.Len() != 0 {
		return nil, errors.New("trailing bytes in credential blob")
	}
	return c, nil
}

func writeShort(buf *bytes.Buffer, field, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("%s too long", field)
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

func writeLong(buf *bytes.Buffer, field, s string) error {
	if len(s) > 65535 {
		return fmt.Errorf("%s too long", field)
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readShort(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readLong(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
