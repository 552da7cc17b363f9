package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) StoreAddress(ctx context.Context, params store.StoreAddressParams) (*models.Address, error) {
	zap.L().Info("Storing address",
		zap.String("user_id", params.UserId),
		zap.String("currency", params.Currency),
		zap.String("network", params.Network),
		zap.String("address", params.Address))

	if _, err := s.GetUserById(ctx, params.UserId); err != nil {
		return nil, err
	}

	addressId := uuid.New().String()
	_, err := exec(ctx, s.db, queryInsertAddress, addressId, params.UserId, params.Currency, params.Network, params.Address, now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Wrap(store.ErrDuplicateTransaction, err, "address %s already registered on %s", params.Address, params.Network)
		}
		zap.L().Error("Failed to insert address",
			zap.String("user_id", params.UserId),
			zap.String("currency", params.Currency),
			zap.Error(err))
		return nil, fmt.Errorf("unable to insert address: %w", err)
	}

	var addr models.Address
	if err := get(ctx, s.db, &addr, queryGetAddressById, addressId); err != nil {
		return nil, fmt.Errorf("unable to load stored address: %w", err)
	}

	zap.L().Info("Address stored successfully", zap.String("id", addressId))
	return &addr, nil
}

func (s *Service) GetAddresses(ctx context.Context, userId, currency, network string) ([]models.Address, error) {
	zap.L().Debug("Querying addresses",
		zap.String("user_id", userId),
		zap.String("currency", currency),
		zap.String("network", network))

	var addresses []models.Address
	if err := selectAll(ctx, s.db, &addresses, queryGetUserAddresses, userId, currency, network); err != nil {
		zap.L().Error("Failed to query addresses", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to query addresses: %w", err)
	}
	return addresses, nil
}

func (s *Service) GetAllUserAddresses(ctx context.Context, userId string) ([]models.Address, error) {
	zap.L().Debug("Querying all addresses for user", zap.String("user_id", userId))

	var addresses []models.Address
	if err := selectAll(ctx, s.db, &addresses, queryGetAllUserAddresses, userId); err != nil {
		zap.L().Error("Failed to query all addresses", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to query all addresses: %w", err)
	}
	return addresses, nil
}

// FindUserByAddress returns nil, nil, nil when the address is not monitored.
func (s *Service) FindUserByAddress(ctx context.Context, address string) (*models.User, *models.Address, error) {
	zap.L().Debug("Finding user by address", zap.String("address", address))

	var addr models.Address
	err := get(ctx, s.db, &addr, queryFindAddress, address)
	if errors.Is(err, sql.ErrNoRows) {
		zap.L().Debug("No user found for address", zap.String("address", address))
		return nil, nil, nil
	}
	if err != nil {
		zap.L().Error("Failed to query user by address", zap.String("address", address), zap.Error(err))
		return nil, nil, fmt.Errorf("unable to query user by address: %w", err)
	}

	user, err := s.GetUserById(ctx, addr.UserId)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	return user, &addr, nil
}

// GetMonitoredAddresses lists every deposit address of an active user.
func (s *Service) GetMonitoredAddresses(ctx context.Context) ([]models.MonitoredAddress, error) {
	var addresses []models.MonitoredAddress
	if err := selectAll(ctx, s.db, &addresses, queryGetMonitoredAddresses); err != nil {
		return nil, fmt.Errorf("unable to query monitored addresses: %w", err)
	}
	return addresses, nil
}
