/*
Copyright 2024 Pharos Networks, Inc.

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

// Package pharos contains constants shared across the pharos control
// plane: component names used for logging and the release version.
package pharos

const (
	// Version is the semantic version of the pharos control plane.
	Version = "0.4.0"

	// ComponentKey is the structured logging attribute that carries
	// the name of the component emitting the record.
	ComponentKey = "component"

	// ComponentWeb is the agent-facing distribution endpoint and the
	// admin intent surface.
	ComponentWeb = "web"

	// ComponentRotation is the CA and certificate rotation scheduler.
	ComponentRotation = "rotation"

	// ComponentStore is the policy store.
	ComponentStore = "store"

	// ComponentAssembler is the per-client config bundle assembler.
	ComponentAssembler = "assembler"

	// ComponentProcess is the pharosd supervisor process.
	ComponentProcess = "pharosd"
)
