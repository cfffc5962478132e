package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gwillem/signal-keystore/internal/signalcrypto"
)

func decodeKey(s string, size int) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("key must be %d bytes, got %d", size, len(key))
	}
	return key, nil
}

type attachmentEncryptCommand struct {
	Key  string `short:"k" long:"key" description:"Base64 64-byte attachment key (random if omitted)"`
	Pad  bool   `short:"p" long:"pad" description:"Pad the plaintext to its size bucket"`
	Args struct {
		In  string `positional-arg-name:"in" required:"true" description:"Plaintext file"`
		Out string `positional-arg-name:"out" required:"true" description:"Ciphertext file"`
	} `positional-args:"yes"`
}

func (cmd *attachmentEncryptCommand) Execute(args []string) error {
	var key []byte
	if cmd.Key != "" {
		var err error
		if key, err = decodeKey(cmd.Key, signalcrypto.AttachmentKeySize); err != nil {
			return err
		}
	} else {
		key = make([]byte, signalcrypto.AttachmentKeySize)
		if _, err := rand.Read(key); err != nil {
			return err
		}
	}

	in, err := os.Open(cmd.Args.In)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.Create(cmd.Args.Out)
	if err != nil {
		return err
	}
	defer out.Close()

	w, err := signalcrypto.NewAttachmentWriter(out, key)
	if err != nil {
		return err
	}
	var src io.Reader = in
	if cmd.Pad {
		src = signalcrypto.NewPaddingReader(in, fi.Size())
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("Key:    %s\n", base64.StdEncoding.EncodeToString(key))
	fmt.Printf("Digest: %s\n", base64.StdEncoding.EncodeToString(w.Digest()))
	fmt.Printf("Size:   %d\n", fi.Size())
	return nil
}

type attachmentDecryptCommand struct {
	Key    string `short:"k" long:"key" required:"true" description:"Base64 64-byte attachment key"`
	Digest string `short:"d" long:"digest" description:"Base64 SHA-256 digest to check"`
	Size   int64  `short:"s" long:"size" description:"Plaintext size, to drop padding"`
	Args   struct {
		In  string `positional-arg-name:"in" required:"true" description:"Ciphertext file"`
		Out string `positional-arg-name:"out" required:"true" description:"Plaintext file"`
	} `positional-args:"yes"`
}

func (cmd *attachmentDecryptCommand) Execute(args []string) error {
	key, err := decodeKey(cmd.Key, signalcrypto.AttachmentKeySize)
	if err != nil {
		return err
	}
	var digest []byte
	if cmd.Digest != "" {
		if digest, err = base64.StdEncoding.DecodeString(cmd.Digest); err != nil {
			return fmt.Errorf("decode digest: %w", err)
		}
	}

	in, err := os.Open(cmd.Args.In)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}

	r, err := signalcrypto.NewAttachmentReader(in, fi.Size(), key, digest)
	if err != nil {
		switch {
		case errors.Is(err, signalcrypto.ErrInvalidMac):
			return fmt.Errorf("attachment is corrupted or the key is wrong: %w", err)
		case errors.Is(err, signalcrypto.ErrInvalidDigest):
			return fmt.Errorf("attachment does not match the digest: %w", err)
		}
		return err
	}
	var src io.Reader = r
	if cmd.Size > 0 {
		src = io.LimitReader(r, cmd.Size)
	}

	out, err := os.Create(cmd.Args.Out)
	if err != nil {
		return err
	}
	defer out.Close()
	n, err := io.Copy(out, src)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", n, cmd.Args.Out)
	return out.Close()
}

type sivEncryptCommand struct {
	Key  string `short:"k" long:"key" required:"true" description:"Base64 32-byte key"`
	Args struct {
		Value string `positional-arg-name:"value" required:"true" description:"Base64 32-byte value"`
	} `positional-args:"yes"`
}

func (cmd *sivEncryptCommand) Execute(args []string) error {
	key, err := decodeKey(cmd.Key, 32)
	if err != nil {
		return err
	}
	value, err := base64.StdEncoding.DecodeString(cmd.Args.Value)
	if err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	ct, err := signalcrypto.SIVEncrypt(key, value)
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(ct))
	return nil
}

type sivDecryptCommand struct {
	Key  string `short:"k" long:"key" required:"true" description:"Base64 32-byte key"`
	Args struct {
		Ciphertext string `positional-arg-name:"ciphertext" required:"true" description:"Base64 48-byte ciphertext"`
	} `positional-args:"yes"`
}

func (cmd *sivDecryptCommand) Execute(args []string) error {
	key, err := decodeKey(cmd.Key, 32)
	if err != nil {
		return err
	}
	ct, err := base64.StdEncoding.DecodeString(cmd.Args.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}
	value, err := signalcrypto.SIVDecrypt(key, ct)
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(value))
	return nil
}

// profileCipher builds the cipher from --profile-key or the account's key.
func profileCipher(ctx context.Context, profileKey string) (*signalcrypto.ProfileCipher, error) {
	if profileKey != "" {
		key, err := decodeKey(profileKey, 32)
		if err != nil {
			return nil, err
		}
		return signalcrypto.NewProfileCipher(key)
	}
	k, done, err := openKeystore(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	key, err := k.ProfileKey(ctx)
	if err != nil {
		return nil, err
	}
	return signalcrypto.NewProfileCipher(key)
}

type profileEncryptCommand struct {
	ProfileKey string `long:"profile-key" description:"Base64 32-byte profile key (account key if omitted)"`
	Field      string `short:"f" long:"field" default:"name" choice:"name" choice:"about" choice:"emoji" description:"Profile field, selects the padded length"`
	Args       struct {
		Value string `positional-arg-name:"value" required:"true" description:"Field value"`
	} `positional-args:"yes"`
}

func (cmd *profileEncryptCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	pc, err := profileCipher(ctx, cmd.ProfileKey)
	if err != nil {
		return err
	}
	var ct []byte
	switch cmd.Field {
	case "about":
		ct, err = pc.EncryptAbout(cmd.Args.Value)
	case "emoji":
		ct, err = pc.EncryptEmoji(cmd.Args.Value)
	default:
		ct, err = pc.EncryptName(cmd.Args.Value)
	}
	if err != nil {
		if errors.Is(err, signalcrypto.ErrInputTooLong) {
			return fmt.Errorf("%s is too long: %w", cmd.Field, err)
		}
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(ct))
	return nil
}

type profileDecryptCommand struct {
	ProfileKey string `long:"profile-key" description:"Base64 32-byte profile key (account key if omitted)"`
	Args       struct {
		Ciphertext string `positional-arg-name:"ciphertext" required:"true" description:"Base64 field ciphertext"`
	} `positional-args:"yes"`
}

func (cmd *profileDecryptCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ct, err := base64.StdEncoding.DecodeString(cmd.Args.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}
	pc, err := profileCipher(ctx, cmd.ProfileKey)
	if err != nil {
		return err
	}
	value, err := pc.DecryptString(ct)
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}
