package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"

	"github.com/devlift/sdlcflow/store"
	"github.com/devlift/sdlcflow/store/test"
)

func Test_RedisStore(t *testing.T) {
	test.StoreTest(t, func() store.Store {
		mr := miniredis.RunT(t)

		client := redisv9.NewClient(&redisv9.Options{
			Addr: mr.Addr(),
		})

		s, err := NewRedisStore(client)
		if err != nil {
			t.Fatal(err)
		}

		return s
	}, nil)
}
