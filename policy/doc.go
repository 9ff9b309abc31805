// Copyright 2025 Agentgate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package policy models policy documents and evaluates actions against them.

# Policy Documents

A policy is a JSON document:

	{
	    "name": "invoice-policy",
	    "version": "1.0",
	    "default": "block",
	    "rules": [
	        {
	            "action_type": "pay_invoice",
	            "constraints": {
	                "params.amount": {"max": 10000, "min": 0},
	                "params.currency": {"in": ["USD", "EUR"]}
	            },
	            "allowed_agents": ["invoice_agent"],
	            "rate_limit": {"max_requests": 100, "window_seconds": 3600},
	            "aggregate_limit": {"field": "params.amount", "max": 50000, "window_seconds": 86400}
	        }
	    ]
	}

Load validates the document once; evaluation never fails on a loaded policy.

# Matching Order

Rules with a literal action_type are consulted before wildcard ("*") rules,
ties broken by declaration order. This is the single ordering surprise;
everything else is declaration order.

# Agent Lists

allowed_agents is a gate: an agent outside the list skips the rule, letting
later rules apply. blocked_agents is a bar: a listed agent (or "*", meaning
every agent) is blocked immediately.

# Missing Parameters

A path that does not resolve violates every positive constraint tag (min,
max, in, equals, pattern, contains) and vacuously satisfies the negative
tags (not_in, not_pattern, not_contains). A present-but-null value behaves
like an absent one.

# Thread Safety

Policy values are immutable after Load and safe for concurrent use.
*/
package policy
