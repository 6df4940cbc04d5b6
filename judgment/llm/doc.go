// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
Package llm 是判断流程中的生成式模型适配层。

ModelClient 抽象一次补全调用，OpenAIClient 对接任意 OpenAI 兼容端点，
对 429 与 5xx 做指数退避重试。Adapter 负责把提示词版本渲染为 Prompt、
调用模型，并把输出约束为 Verdict（status、confidence、explanation、
recommended_actions）。输出无法解析时返回错误，由上层熔断器计为失败。
*/
package llm
