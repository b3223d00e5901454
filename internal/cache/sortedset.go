package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// ZAdd adds member with the given score to the sorted set at key, extending
// the teacher's hand-rolled RESP client with the sorted-set surface the
// Activity Event Log needs.
func (p *ValkeyProvider) ZAdd(ctx context.Context, key string, score float64, member []byte) error {
	return p.withConn(ctx, func(vc *valkeyConn) error {
		scoreStr := strconv.FormatFloat(score, 'f', -1, 64)
		if err := vc.writeCommand("ZADD", []byte(key), []byte(scoreStr), member); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replyInteger {
			return fmt.Errorf("unexpected ZADD response type: %s", reply.typ)
		}
		return nil
	})
}

// ZRevRangeByScore returns members scored within [min, max], newest-first,
// capped at limit (0 = unlimited), via ZREVRANGEBYSCORE max min [LIMIT 0 n].
func (p *ValkeyProvider) ZRevRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([][]byte, error) {
	var out [][]byte
	err := p.withConn(ctx, func(vc *valkeyConn) error {
		args := [][]byte{
			[]byte(key),
			[]byte(strconv.FormatFloat(max, 'f', -1, 64)),
			[]byte(strconv.FormatFloat(min, 'f', -1, 64)),
		}
		if limit > 0 {
			args = append(args, []byte("LIMIT"), []byte("0"), []byte(strconv.Itoa(limit)))
		}
		if err := vc.writeCommand("ZREVRANGEBYSCORE", args...); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replyArray {
			return fmt.Errorf("unexpected ZREVRANGEBYSCORE response type: %s", reply.typ)
		}
		out = make([][]byte, 0, len(reply.items))
		for _, item := range reply.items {
			if item.typ == replyBulkString {
				out = append(out, item.data)
			}
		}
		return nil
	})
	return out, err
}

// Expire refreshes the TTL on key via EXPIRE key seconds.
func (p *ValkeyProvider) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return p.withConn(ctx, func(vc *valkeyConn) error {
		seconds := strconv.FormatInt(int64(ttl.Seconds()), 10)
		if err := vc.writeCommand("EXPIRE", []byte(key), []byte(seconds)); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replyInteger {
			return fmt.Errorf("unexpected EXPIRE response type: %s", reply.typ)
		}
		return nil
	})
}
