/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

// MonitoredAddress is a deposit address the chain listener polls
type MonitoredAddress struct {
	UserId   string `db:"user_id" json:"user_id"`
	Address  string `db:"address" json:"address"`
	Currency string `db:"currency" json:"currency"`
	Network  string `db:"network" json:"network"`
}

// NetworkConfig describes one monitored chain and its deposit token, as
// listed in networks.yaml
type NetworkConfig struct {
	Name                  string `yaml:"name"`
	Currency              string `yaml:"currency"`
	RPCURL                string `yaml:"rpc_url"`
	TokenContract         string `yaml:"token_contract"`
	TokenDecimals         int32  `yaml:"token_decimals"`
	RequiredConfirmations int    `yaml:"required_confirmations"`
	LookbackBlocks        uint64 `yaml:"lookback_blocks"`
	GasLimit              uint64 `yaml:"gas_limit"`
}
