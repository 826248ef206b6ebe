package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Subscribe streams message changes visible to query.ViewerID. The first batch is the newest
// query.Limit messages, newest first, all tagged added; later batches carry one live change.
// Changes are delivered from a single goroutine, so onChange is never called concurrently.
func (s *Service) Subscribe(ctx context.Context, query StreamQuery, onChange ChangeHandler, onError ErrorHandler) (Unsubscribe, error) {
	viewer := strings.TrimSpace(query.ViewerID)
	if viewer == "" {
		return nil, newServiceError(opSubscribe, "missing_viewer", errMissingViewer)
	}
	if onChange == nil {
		return nil, newServiceError(opSubscribe, "missing_handler", errMissingHandler)
	}
	if onError == nil {
		onError = func(error) {}
	}
	query.ViewerID = viewer

	subscriptionCtx, cancel := context.WithCancel(ctx)
	// Subscribe before reading the snapshot so nothing written in between is lost.
	live, dropped, cleanup := s.changes.SubscribeWithDrops(subscriptionCtx, changesTopic)

	snapshot, err := s.ListRecent(subscriptionCtx, query)
	if err != nil {
		cleanup()
		cancel()
		return nil, err
	}

	inSnapshot := make(map[string]struct{}, len(snapshot))
	initial := make([]Change, 0, len(snapshot))
	for _, message := range snapshot {
		inSnapshot[message.ID] = struct{}{}
		initial = append(initial, Change{Kind: ChangeAdded, Message: message})
	}

	go func() {
		defer cleanup()
		if len(initial) > 0 {
			s.deliver(onChange, onError, initial)
		}
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case <-dropped:
				s.loggerOrDefault().Warn("chat subscriber fell behind", zap.String("viewer_id", viewer))
				onError(newServiceError(opSubscribe, "changes_dropped", ErrChangesDropped))
			case change := <-live:
				if change.Kind == ChangeAdded {
					if _, dup := inSnapshot[change.Message.ID]; dup {
						delete(inSnapshot, change.Message.ID)
						continue
					}
				}
				visible, err := s.visibleTo(subscriptionCtx, viewer, change.Message)
				if err != nil {
					if subscriptionCtx.Err() != nil {
						return
					}
					s.logError(opSubscribe, "visibility_check_failed", err,
						zap.String("viewer_id", viewer),
						zap.String("message_id", change.Message.ID))
					onError(newServiceError(opSubscribe, "visibility_check_failed", err))
					continue
				}
				if !visible {
					continue
				}
				s.deliver(onChange, onError, []Change{change})
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
	}, nil
}

func (s *Service) deliver(onChange ChangeHandler, onError ErrorHandler, batch []Change) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("change handler panicked: %v", recovered)
			s.logError(opSubscribe, "handler_panicked", err)
			onError(newServiceError(opSubscribe, "handler_panicked", err))
		}
	}()
	onChange(batch)
}

func (s *Service) visibleTo(ctx context.Context, viewer string, message Message) (bool, error) {
	if message.SenderID == viewer || message.ReceiverID == viewer {
		return true, nil
	}
	if message.ReceiverID == "" {
		return false, nil
	}
	_, isMember, err := s.groupMembership(ctx, message.ReceiverID, viewer)
	if err != nil {
		return false, err
	}
	return isMember, nil
}
