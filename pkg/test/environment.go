/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package test holds the shared miniredis environment and document fixtures
// used by the provider and controller suites.
package test

import (
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// Environment is a throwaway redis backend for one suite.
type Environment struct {
	Redis  *miniredis.Miniredis
	Client *redis.Client
}

func NewEnvironment() *Environment {
	mr := lo.Must(miniredis.Run())
	return &Environment{
		Redis:  mr,
		Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	}
}

// Reset wipes all keys between specs.
func (e *Environment) Reset() {
	e.Redis.FlushAll()
}

func (e *Environment) Stop() {
	_ = e.Client.Close()
	e.Redis.Close()
}
