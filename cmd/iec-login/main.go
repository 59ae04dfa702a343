package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/levenlabs/go-lflag"

	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/secrets"
	"github.com/iecmeter/iecmeter/pkg/storage"
	"github.com/iecmeter/iecmeter/pkg/types"
)

// loginClient is the part of the IEC client needed to login.
type loginClient interface {
	LoginWithID(ctx context.Context, userID string) (string, error)
	VerifyOTP(ctx context.Context, otp string) (*types.JWT, error)
	GetCustomer(ctx context.Context) (*types.Customer, error)
	GetContracts(ctx context.Context, bpNumber string) ([]types.Contract, error)
}

type credentialEncrypter interface {
	Encrypt(ctx context.Context, creds types.Credentials) ([]byte, error)
}

func main() {
	client := iec.Configured()
	s := storage.Configured()
	box := secrets.Configured()

	userID := lflag.RequiredString("user-id", "Israeli ID number of the IEC account")
	contracts := lflag.String("contracts", "", "comma-delimited contract IDs to poll, empty selects every active contract")

	lflag.Configure()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid iec configuration", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	l := login{
		client: client,
		db:     s,
		box:    box,
		in:     os.Stdin,
		out:    os.Stdout,
	}
	if err := l.run(ctx, *userID, *contracts); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "login failed", slog.Any("error", err))
		os.Exit(1)
	}
}

type login struct {
	client loginClient
	db     storage.Database
	box    credentialEncrypter
	in     io.Reader
	out    io.Writer
}

// run logs in with an OTP and stores the session and the selected contracts
// in the settings.
func (l login) run(ctx context.Context, userID, contracts string) error {
	wanted, err := parseContracts(contracts)
	if err != nil {
		return err
	}

	factor, err := l.client.LoginWithID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to request otp: %w", err)
	}

	fmt.Fprintf(l.out, "Enter the code IEC sent by %s: ", strings.ToLower(factor))
	otp, err := bufio.NewReader(l.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read otp: %w", err)
	}
	otp = strings.TrimSpace(otp)
	if otp == "" {
		return errors.New("no otp entered")
	}

	token, err := l.client.VerifyOTP(ctx, otp)
	if err != nil {
		return fmt.Errorf("failed to verify otp: %w", err)
	}

	customer, err := l.client.GetCustomer(ctx)
	if err != nil {
		return fmt.Errorf("failed to get customer: %w", err)
	}
	if customer == nil || customer.BPNumber == "" {
		return errors.New("customer has no bp number")
	}

	all, err := l.client.GetContracts(ctx, customer.BPNumber)
	if err != nil {
		return fmt.Errorf("failed to get contracts: %w", err)
	}
	selected, err := selectContracts(all, wanted)
	if err != nil {
		return err
	}
	for _, c := range all {
		mark := " "
		if slices.Contains(selected, c.ContractID) {
			mark = "*"
		}
		fmt.Fprintf(l.out, "%s %d %s, %s (smart meter: %t, active: %t)\n", mark, c.ContractID, c.Address, c.CityName, c.SmartMeter, c.Active())
	}

	settings, version, err := l.db.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to get settings: %w", err)
	}
	settings, _, err = types.MigrateSettings(settings, version)
	if err != nil {
		return fmt.Errorf("failed to migrate settings: %w", err)
	}

	enc, err := l.box.Encrypt(ctx, types.Credentials{
		IEC: &types.IECCredentials{
			UserID: userID,
			Token:  token,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	settings.UserID = userID
	settings.BPNumber = customer.BPNumber
	settings.SelectedContracts = selected
	settings.EncryptedCredentials = enc

	if err := l.db.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Fprintf(l.out, "Logged in as %s, polling %d contract(s)\n", userID, len(selected))
	return nil
}

func parseContracts(s string) ([]int, error) {
	var ids []int
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(strings.TrimLeft(part, "0"))
		if err != nil {
			return nil, fmt.Errorf("invalid contract id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// selectContracts validates the wanted contracts. Nothing wanted selects every
// active contract.
func selectContracts(all []types.Contract, wanted []int) ([]int, error) {
	var selected []int
	if len(wanted) == 0 {
		for _, c := range all {
			if c.Active() {
				selected = append(selected, c.ContractID)
			}
		}
		if len(selected) == 0 {
			return nil, errors.New("no active contracts")
		}
		return selected, nil
	}

	for _, id := range wanted {
		idx := slices.IndexFunc(all, func(c types.Contract) bool { return c.ContractID == id })
		if idx < 0 {
			return nil, fmt.Errorf("contract %d not found", id)
		}
		if !all[idx].Active() {
			return nil, fmt.Errorf("contract %d is not active", id)
		}
		if !slices.Contains(selected, id) {
			selected = append(selected, id)
		}
	}
	return selected, nil
}
