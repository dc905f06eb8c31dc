package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cory-johannsen/highwizardry/internal/storage"
)

// GetAuction returns the auction with id.
func (s *Store) GetAuction(ctx context.Context, id string) (storage.Auction, error) {
	if err := s.check(); err != nil {
		return storage.Auction{}, err
	}
	return queryOne[storage.Auction](ctx, s.db, `SELECT data FROM auctions WHERE id = ?`, id)
}

// SaveAuction inserts or replaces a and refreshes its bidder index.
func (s *Store) SaveAuction(ctx context.Context, a storage.Auction) error {
	if err := s.check(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding auction: %w", err)
	}
	return withTx(ctx, s.db, func(ctx context.Context, tx dbtx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auctions (id, seller_id, status, ends_at, data) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				seller_id = excluded.seller_id,
				status = excluded.status,
				ends_at = excluded.ends_at,
				data = excluded.data`,
			a.ID, a.SellerID, a.Status, a.EndsAt, string(data),
		); err != nil {
			return fmt.Errorf("saving auction: %w", err)
		}
		for _, b := range a.Bids {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO auction_bidders (auction_id, bidder_id) VALUES (?, ?)`,
				a.ID, b.BidderID,
			); err != nil {
				return fmt.Errorf("indexing bidder: %w", err)
			}
		}
		return nil
	})
}

// ListAuctions returns auctions with status, or all auctions when status is empty.
func (s *Store) ListAuctions(ctx context.Context, status string) ([]storage.Auction, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if status == "" {
		return queryAll[storage.Auction](ctx, s.db, `SELECT data FROM auctions ORDER BY ends_at, id`)
	}
	return queryAll[storage.Auction](ctx, s.db, `SELECT data FROM auctions WHERE status = ? ORDER BY ends_at, id`, status)
}

// ListAuctionsBySeller returns every auction created by sellerID.
func (s *Store) ListAuctionsBySeller(ctx context.Context, sellerID string) ([]storage.Auction, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return queryAll[storage.Auction](ctx, s.db, `SELECT data FROM auctions WHERE seller_id = ? ORDER BY ends_at, id`, sellerID)
}

// ListAuctionsByBidder returns every auction bidderID has bid on.
func (s *Store) ListAuctionsByBidder(ctx context.Context, bidderID string) ([]storage.Auction, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return queryAll[storage.Auction](ctx, s.db, `
		SELECT a.data FROM auctions a
		JOIN auction_bidders b ON b.auction_id = a.id
		WHERE b.bidder_id = ?
		ORDER BY a.ends_at, a.id`, bidderID)
}
