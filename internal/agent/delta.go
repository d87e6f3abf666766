package agent

import "tradebridge/pkg/protocol"

// diffPositions compares the previous snapshot with the current one and
// returns what changed. A position counts as modified when any of its
// floating fields moved.
func diffPositions(prev, curr map[int64]protocol.Position) (added, modified []protocol.Position, removed []int64) {
	for ticket, p := range curr {
		old, ok := prev[ticket]
		if !ok {
			added = append(added, p)
			continue
		}
		if old.CurrentPrice != p.CurrentPrice || old.FloatingPnL != p.FloatingPnL || old.Qty != p.Qty {
			modified = append(modified, p)
		}
	}
	for ticket := range prev {
		if _, ok := curr[ticket]; !ok {
			removed = append(removed, ticket)
		}
	}
	return added, modified, removed
}

func snapshotMap(list []protocol.Position) map[int64]protocol.Position {
	m := make(map[int64]protocol.Position, len(list))
	for _, p := range list {
		m[p.Ticket] = p
	}
	return m
}
